package crmflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal crmflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	EntityType       string         `json:"entity_type"`
	Operation        string         `json:"operation"`
	EntityID         *string        `json:"entity_id,omitempty"`
	Payload          map[string]any `json:"payload"`
	ValidationErrors []FieldError   `json:"validation_errors"`
	Status           string         `json:"status"`
	Error            *string        `json:"error,omitempty"`
	ResultEntityID   *string        `json:"result_entity_id,omitempty"`
	Source           *string        `json:"source,omitempty"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	ExecutedAt       *string        `json:"executed_at,omitempty"`
}

type ProposalPage struct {
	Items      []Proposal `json:"items"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"pageSize"`
	TotalPages int        `json:"totalPages"`
}

// ListOptions filters and pages a proposal listing. Zero values use server defaults.
type ListOptions struct {
	Page          int
	PageSize      int
	SortBy        string
	SortDirection string
	Status        string
	EntityType    string
}

type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

type ApprovalConfig struct {
	TenantID         string `json:"tenant_id"`
	EntityType       string `json:"entity_type"`
	RequiresApproval bool   `json:"requires_approval"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

type Job struct {
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

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProposal submits a manual proposal.
func (c *Client) CreateProposal(ctx context.Context, entityType, operation, entityID string, payload map[string]any) (Proposal, error) {
	body := map[string]any{
		"entity_type": entityType,
		"operation":   operation,
		"payload":     payload,
	}
	if entityID != "" {
		body["entity_id"] = entityID
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "v1/proposals", body, &resp)
	return resp, err
}

func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "v1/proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProposals returns one page of proposals.
func (c *Client) ListProposals(ctx context.Context, opts ListOptions) (ProposalPage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.SortBy != "" {
		q.Set("sortBy", opts.SortBy)
	}
	if opts.SortDirection != "" {
		q.Set("sortDirection", opts.SortDirection)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.EntityType != "" {
		q.Set("entityType", opts.EntityType)
	}
	var resp ProposalPage
	err := c.do(ctx, http.MethodGet, withQuery("v1/proposals", q), nil, &resp)
	return resp, err
}

// UpdatePayload replaces the payload of a pending proposal and revalidates it.
func (c *Client) UpdatePayload(ctx context.Context, id string, payload map[string]any) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPatch, "v1/proposals/"+url.PathEscape(id)+"/payload", map[string]any{"payload": payload}, &resp)
	return resp, err
}

// Approve executes a pending proposal. A failed mutation is not an error:
// the returned proposal has status "failed" and carries the message.
func (c *Client) Approve(ctx context.Context, id string) (Proposal, error) {
	return c.proposalAction(ctx, id, "approve")
}

func (c *Client) Reject(ctx context.Context, id string) (Proposal, error) {
	return c.proposalAction(ctx, id, "reject")
}

// Retry clones a failed proposal into a new pending one.
func (c *Client) Retry(ctx context.Context, id string) (Proposal, error) {
	return c.proposalAction(ctx, id, "retry")
}

func (c *Client) proposalAction(ctx context.Context, id, action string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "v1/proposals/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return resp, err
}

func (c *Client) BulkApprove(ctx context.Context, ids []string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "v1/proposals/bulk-approve", map[string]any{"ids": ids}, &resp)
	return resp, err
}

func (c *Client) BulkReject(ctx context.Context, ids []string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "v1/proposals/bulk-reject", map[string]any{"ids": ids}, &resp)
	return resp, err
}

func (c *Client) ApproveAll(ctx context.Context) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "v1/proposals/approve-all", nil, &resp)
	return resp, err
}

func (c *Client) RejectAll(ctx context.Context) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "v1/proposals/reject-all", nil, &resp)
	return resp, err
}

func (c *Client) ApprovalConfig(ctx context.Context) ([]ApprovalConfig, error) {
	var resp struct {
		Items []ApprovalConfig `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/approval-config", nil, &resp)
	return resp.Items, err
}

func (c *Client) SetApprovalConfig(ctx context.Context, entityType string, requiresApproval bool) (ApprovalConfig, error) {
	var resp ApprovalConfig
	endpoint := "v1/approval-config/" + url.PathEscape(entityType)
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"requires_approval": requiresApproval}, &resp)
	return resp, err
}

func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/jobs", nil, &resp)
	return resp.Items, err
}

// TriggerJob starts a job immediately. The server answers 409 when the job is
// already running.
func (c *Client) TriggerJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "v1/jobs/"+url.PathEscape(name)+"/trigger", nil, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v1/events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
