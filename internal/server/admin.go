package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/repo"
)

func registerApprovalConfig(api huma.API, e engine.Engine, pol Policy) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approval-config",
		Method:      http.MethodGet,
		Path:        "/approval-config",
		Summary:     "Effective approval policy per entity type",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ApprovalConfigList `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := pol.List(ctx, principal.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalConfigList `json:"body"`
		}{Body: ApprovalConfigList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-approval-config",
		Method:      http.MethodPatch,
		Path:        "/approval-config/{entity_type}",
		Summary:     "Set whether an entity type requires approval",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EntityType string                   `path:"entity_type"`
		Body       SetApprovalConfigRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalConfig `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		entityType := domain.EntityType(input.EntityType)
		if e.Mutators != nil {
			if _, err := e.Mutators.Lookup(entityType); err != nil {
				return nil, handleError(err)
			}
		}
		cfg, err := pol.Set(ctx, principal.TenantID, entityType, input.Body.RequiresApproval, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalConfig `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerJobs(api huma.API, r repo.Repo, jobs Jobs) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "Scheduled jobs and their last run",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JobList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		resp := JobList{Items: []JobResponse{}}
		if jobs != nil {
			for _, st := range jobs.Status() {
				resp.Items = append(resp.Items, jobResponse(st))
			}
		}
		return &struct {
			Body JobList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "trigger-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{name}/trigger",
		Summary:       "Run a job now",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if jobs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "scheduler not running", nil)
		}
		if err := jobs.Trigger(input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: TriggerResponse{Job: input.Name, Status: "started"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-runs",
		Method:      http.MethodGet,
		Path:        "/jobs/{name}/runs",
		Summary:     "Recent runs of a job",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Name  string `path:"name"`
		Limit int    `query:"limit" default:"20"`
	}) (*struct {
		Body JobRunList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		runs, err := r.ListJobRuns(ctx, input.Name, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobRunList `json:"body"`
		}{Body: JobRunList{Items: nonNilSlice(runs)}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEvents(ctx, repo.EventFilter{
			TenantID:   principal.TenantID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Cursor:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &out.Payload)
	}
	return out
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		tenant := strings.TrimSpace(input.Body.TenantID)
		if actor == "" || tenant == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and tenant_id are required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, tenant, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
