package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"crmflow/internal/domain"
	"crmflow/internal/engine"
)

type proposalOutput struct {
	Body domain.Proposal `json:"body"`
}

type proposalPath struct {
	ID string `path:"id"`
}

var knownStatuses = map[domain.Status]bool{
	domain.StatusPending:  true,
	domain.StatusApproved: true,
	domain.StatusRejected: true,
	domain.StatusExecuted: true,
	domain.StatusFailed:   true,
}

// executed returns p for a finished execution. A mutation rejected by the
// entity service is a normal outcome here: the proposal is failed and carries
// the error, so the caller gets it back with 200.
func executed(p domain.Proposal, err error) (*proposalOutput, error) {
	var execErr *engine.ExecutionError
	if err != nil && !errors.As(err, &execErr) {
		return nil, handleError(err)
	}
	return &proposalOutput{Body: p}, nil
}

var proposalErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Page          int    `query:"page" default:"1"`
		PageSize      int    `query:"pageSize" default:"20"`
		SortBy        string `query:"sortBy" default:"created_at"`
		SortDirection string `query:"sortDirection" default:"desc"`
		Status        string `query:"status"`
		EntityType    string `query:"entityType"`
	}) (*struct {
		Body ProposalListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status := domain.Status(strings.TrimSpace(input.Status))
		if status != "" && !knownStatuses[status] {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		page, err := e.List(ctx, principal.TenantID, engine.ListOptions{
			Page:          input.Page,
			PageSize:      input.PageSize,
			SortBy:        input.SortBy,
			SortDirection: input.SortDirection,
			Status:        status,
			EntityType:    domain.EntityType(strings.TrimSpace(input.EntityType)),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalListResponse `json:"body"`
		}{Body: proposalList(page)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Get(ctx, principal.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create proposal",
		Description:   "Manual entry point. The proposal is validated immediately and executed right away when its entity type does not require approval.",
		DefaultStatus: http.StatusCreated,
		Errors:        proposalErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*proposalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Create(ctx, engine.CreateOptions{
			TenantID:   principal.TenantID,
			EntityType: domain.EntityType(input.Body.EntityType),
			Operation:  domain.Operation(input.Body.Operation),
			EntityID:   input.Body.EntityID,
			Payload:    input.Body.Payload,
			ActorID:    principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-proposal-payload",
		Method:      http.MethodPatch,
		Path:        "/proposals/{id}/payload",
		Summary:     "Replace the payload of a pending proposal",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdatePayloadRequest `json:"body"`
	}) (*proposalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdatePayload(ctx, principal.TenantID, input.ID, input.Body.Payload, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Approve and execute a proposal",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return executed(e.Approve(ctx, principal.TenantID, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/reject",
		Summary:     "Reject a pending proposal",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Reject(ctx, principal.TenantID, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/retry",
		Summary:       "Clone a failed proposal into a new pending one",
		DefaultStatus: http.StatusCreated,
		Errors:        proposalErrors,
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Retry(ctx, principal.TenantID, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})
}

type bulkOutput struct {
	Body BulkResponse `json:"body"`
}

func registerBulk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-approve",
		Method:      http.MethodPost,
		Path:        "/proposals/bulk-approve",
		Summary:     "Approve proposals one by one",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body BulkRequest `json:"body"`
	}) (*bulkOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.BulkApprove(ctx, principal.TenantID, input.Body.IDs, principal.ActorID)
		return &bulkOutput{Body: bulkResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-reject",
		Method:      http.MethodPost,
		Path:        "/proposals/bulk-reject",
		Summary:     "Reject proposals one by one",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body BulkRequest `json:"body"`
	}) (*bulkOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.BulkReject(ctx, principal.TenantID, input.Body.IDs, principal.ActorID)
		return &bulkOutput{Body: bulkResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-all",
		Method:      http.MethodPost,
		Path:        "/proposals/approve-all",
		Summary:     "Approve every pending proposal, oldest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bulkOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApproveAll(ctx, principal.TenantID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &bulkOutput{Body: bulkResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-all",
		Method:      http.MethodPost,
		Path:        "/proposals/reject-all",
		Summary:     "Reject every pending proposal, oldest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bulkOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RejectAll(ctx, principal.TenantID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &bulkOutput{Body: bulkResponse(res)}, nil
	})
}
