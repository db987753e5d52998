package server

import (
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/scheduler"
)

// Request payloads

type CreateProposalRequest struct {
	EntityType string         `json:"entity_type" minLength:"1"`
	Operation  string         `json:"operation" enum:"create,update,delete"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type UpdatePayloadRequest struct {
	Payload map[string]any `json:"payload"`
}

type BulkRequest struct {
	IDs []string `json:"ids" minItems:"1"`
}

type SetApprovalConfigRequest struct {
	RequiresApproval bool `json:"requires_approval"`
}

type DevLoginRequest struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
}

// Responses

type ProposalListResponse struct {
	Items      []domain.Proposal `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"pageSize"`
	TotalPages int               `json:"totalPages"`
}

type BulkResponse struct {
	Succeeded []string             `json:"succeeded"`
	Failed    []engine.BulkFailure `json:"failed"`
}

type ApprovalConfigList struct {
	Items []domain.ApprovalConfig `json:"items"`
}

type JobResponse struct {
	Name           string `json:"name"`
	Interval       string `json:"interval"`
	Running        bool   `json:"running"`
	Runs           int    `json:"runs"`
	Skipped        int    `json:"skipped"`
	LastRunID      string `json:"last_run_id,omitempty"`
	LastStatus     string `json:"last_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	LastStartedAt  string `json:"last_started_at,omitempty"`
	LastFinishedAt string `json:"last_finished_at,omitempty"`
}

type JobList struct {
	Items []JobResponse `json:"items"`
}

type JobRunList struct {
	Items []domain.JobRun `json:"items"`
}

type TriggerResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func proposalList(p engine.Page) ProposalListResponse {
	pages := 0
	if p.PageSize > 0 {
		pages = (p.Total + p.PageSize - 1) / p.PageSize
	}
	return ProposalListResponse{
		Items:      nonNilSlice(p.Items),
		Total:      p.Total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: pages,
	}
}

func bulkResponse(r engine.BulkResult) BulkResponse {
	return BulkResponse{Succeeded: nonNilSlice(r.Succeeded), Failed: nonNilSlice(r.Failed)}
}

func jobResponse(st scheduler.JobStatus) JobResponse {
	return JobResponse{
		Name:           st.Name,
		Interval:       st.Interval.String(),
		Running:        st.Running,
		Runs:           st.Runs,
		Skipped:        st.Skipped,
		LastRunID:      st.LastRunID,
		LastStatus:     st.LastStatus,
		LastError:      st.LastError,
		LastStartedAt:  st.LastStartedAt,
		LastFinishedAt: st.LastFinishedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
