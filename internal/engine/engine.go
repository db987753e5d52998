package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/mutator"
	"crmflow/internal/repo"
	"crmflow/internal/tracing"
)

// Policy answers whether proposals of an entity type wait for a human.
type Policy interface {
	Get(ctx context.Context, tenantID string, entityType domain.EntityType) (bool, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Mutators *mutator.Registry
	Policy   Policy
	Logger   *slog.Logger
	Now      func() time.Time
	// ApplyTimeout bounds a single mutation. Zero means DefaultApplyTimeout.
	ApplyTimeout time.Duration
}

const DefaultApplyTimeout = 30 * time.Second

func New(db *sql.DB, mutators *mutator.Registry, policy Policy, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Mutators: mutators,
		Policy:   policy,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// CreateOptions are parameters for creating a proposal.
type CreateOptions struct {
	TenantID   string
	EntityType domain.EntityType
	Operation  domain.Operation
	EntityID   string
	Payload    domain.Payload
	// Source names the automation config; empty means manually created.
	Source  string
	ActorID string
}

// Create validates and stores a pending proposal. When the entity type does
// not require approval and the proposal is valid it is executed right away,
// so the returned proposal may already be executed or failed.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Proposal, error) {
	p, err := e.prepare(opts)
	if err != nil {
		return domain.Proposal{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	seq, err := e.Repo.InsertProposalTx(ctx, tx, p)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	p.Seq = seq
	if err := e.Events.Append(ctx, tx, events.ProposalCreated, p.TenantID, "proposal", p.ID, opts.ActorID, events.EventPayload{
		"entity_type": p.EntityType,
		"operation":   p.Operation,
		"valid":       p.Valid(),
		"source":      p.Source,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}

	if !p.Valid() {
		return p, nil
	}
	requires := true
	if e.Policy != nil {
		requires, err = e.Policy.Get(ctx, p.TenantID, p.EntityType)
		if err != nil {
			// leave it for a human
			e.logger().Warn("approval policy lookup failed", "tenant", p.TenantID, "entity_type", p.EntityType, "err", err)
			return p, nil
		}
	}
	if requires {
		return p, nil
	}
	executed, err := e.Execute(ctx, p.TenantID, p.ID, opts.ActorID)
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return executed, nil
	}
	if err != nil {
		return p, err
	}
	return executed, nil
}

func (e Engine) prepare(opts CreateOptions) (domain.Proposal, error) {
	if strings.TrimSpace(opts.TenantID) == "" {
		return domain.Proposal{}, fmt.Errorf("%w: tenant is required", ErrInvalidArgument)
	}
	m, err := e.Mutators.Lookup(opts.EntityType)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !opts.Operation.Valid() {
		return domain.Proposal{}, fmt.Errorf("%w: %q", ErrInvalidOperation, opts.Operation)
	}
	payload := opts.Payload
	if payload == nil {
		payload = domain.Payload{}
	}
	hash, err := payloadHash(payload)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("%w: payload: %v", ErrInvalidArgument, err)
	}
	entityID := optionalString(opts.EntityID)
	now := domain.FormatTime(e.now())
	return domain.Proposal{
		ID:               uuid.NewString(),
		TenantID:         opts.TenantID,
		EntityType:       opts.EntityType,
		Operation:        opts.Operation,
		EntityID:         entityID,
		Payload:          payload,
		PayloadHash:      hash,
		ValidationErrors: m.Validate(opts.Operation, entityID, payload),
		Status:           domain.StatusPending,
		Source:           optionalString(opts.Source),
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (e Engine) Get(ctx context.Context, tenantID, id string) (domain.Proposal, error) {
	return e.Repo.GetProposal(ctx, tenantID, id)
}

// ListOptions select one page of proposals. Page is 1-based.
type ListOptions struct {
	Page          int
	PageSize      int
	SortBy        string
	SortDirection string
	Status        domain.Status
	EntityType    domain.EntityType
}

type Page struct {
	Items    []domain.Proposal `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

func (e Engine) List(ctx context.Context, tenantID string, opts ListOptions) (Page, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}
	if !repo.ValidSortColumn(opts.SortBy) {
		return Page{}, fmt.Errorf("%w: cannot sort by %q", ErrInvalidArgument, opts.SortBy)
	}
	var desc bool
	switch strings.ToLower(opts.SortDirection) {
	case "", "desc":
		desc = true
	case "asc":
	default:
		return Page{}, fmt.Errorf("%w: sort direction must be asc or desc", ErrInvalidArgument)
	}
	items, total, err := e.Repo.ListProposals(ctx, repo.ProposalFilter{
		TenantID:   tenantID,
		Status:     opts.Status,
		EntityType: opts.EntityType,
		SortBy:     opts.SortBy,
		Desc:       desc,
		Limit:      opts.PageSize,
		Offset:     (opts.Page - 1) * opts.PageSize,
	})
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []domain.Proposal{}
	}
	return Page{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

// UpdatePayload replaces the payload of a pending proposal and re-validates it.
func (e Engine) UpdatePayload(ctx context.Context, tenantID, id string, payload domain.Payload, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, tenantID, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.StatusPending {
		return p, stateErr(p, "edit", nil)
	}
	m, err := e.Mutators.Lookup(p.EntityType)
	if err != nil {
		return p, err
	}
	if payload == nil {
		payload = domain.Payload{}
	}
	hash, err := payloadHash(payload)
	if err != nil {
		return p, fmt.Errorf("%w: payload: %v", ErrInvalidArgument, err)
	}
	p.Payload = payload
	p.PayloadHash = hash
	p.ValidationErrors = m.Validate(p.Operation, p.EntityID, payload)
	p.UpdatedAt = domain.FormatTime(e.now())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateProposalPayloadTx(ctx, tx, p)
	if err != nil {
		return p, err
	}
	if !ok {
		current, err := e.Repo.GetProposalTx(ctx, tx, tenantID, id)
		if err != nil {
			return p, err
		}
		return current, stateErr(current, "edit", nil)
	}
	if err := e.Events.Append(ctx, tx, events.ProposalPayloadUpdated, tenantID, "proposal", id, actorID, events.EventPayload{
		"valid": p.Valid(),
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// Approve executes a pending proposal without validation errors.
func (e Engine) Approve(ctx context.Context, tenantID, id, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, tenantID, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !p.Valid() {
		return p, stateErr(p, "approve", ErrValidationBlocked)
	}
	if p.Status != domain.StatusPending {
		return p, stateErr(p, "approve", nil)
	}
	return e.Execute(ctx, tenantID, id, actorID)
}

// Execute claims the proposal (pending to approved) and applies it through
// its mutator. Only the caller that wins the claim applies the mutation; the
// others get ErrAlreadyHandled. A rejected mutation marks the proposal failed
// and is returned as *ExecutionError.
func (e Engine) Execute(ctx context.Context, tenantID, id, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, tenantID, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !p.Valid() {
		return p, stateErr(p, "execute", ErrValidationBlocked)
	}
	m, err := e.Mutators.Lookup(p.EntityType)
	if err != nil {
		return p, err
	}

	claimed, err := e.claim(ctx, p, actorID)
	if err != nil {
		return p, err
	}
	if !claimed {
		current, err := e.Repo.GetProposal(ctx, tenantID, id)
		if err != nil {
			return p, err
		}
		return current, stateErr(current, "execute", ErrAlreadyHandled)
	}

	spanCtx, span := tracing.StartSpan(ctx, "proposal.execute", "INTERNAL")
	span.WithAttributes(map[string]string{
		"proposal.id": p.ID,
		"entity.type": string(p.EntityType),
		"proposal.op": string(p.Operation),
		"tenant.id":   p.TenantID,
	})
	// once claimed, the mutation runs to completion even if the caller goes away
	timeout := e.ApplyTimeout
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), timeout)
	resultID, applyErr := mutator.Apply(applyCtx, m, p.TenantID, p.Operation, p.EntityID, p.Payload)
	cancel()
	tracing.EndSpan(span, applyErr)

	finishCtx := context.WithoutCancel(ctx)
	out := repo.ProposalOutcome{At: domain.FormatTime(e.now())}
	evtType := events.ProposalExecuted
	payload := events.EventPayload{"entity_type": p.EntityType, "operation": p.Operation}
	if applyErr != nil {
		msg := applyErr.Error()
		out.Status = domain.StatusFailed
		out.Error = &msg
		evtType = events.ProposalFailed
		payload["error"] = msg
	} else {
		out.Status = domain.StatusExecuted
		out.ResultEntityID = resultID
		if resultID != nil {
			payload["result_entity_id"] = *resultID
		}
	}
	if err := e.finish(finishCtx, p, out, evtType, actorID, payload); err != nil {
		return p, fmt.Errorf("record outcome of %s: %w", p.ID, err)
	}
	p.Status = out.Status
	p.Error = out.Error
	p.ResultEntityID = out.ResultEntityID
	p.UpdatedAt = out.At
	p.ExecutedAt = &out.At
	if applyErr != nil {
		e.logger().Warn("proposal execution failed", "proposal", p.ID, "entity_type", p.EntityType, "operation", p.Operation, "err", applyErr)
		return p, &ExecutionError{ID: p.ID, Err: applyErr}
	}
	e.logger().Info("proposal executed", "proposal", p.ID, "entity_type", p.EntityType, "operation", p.Operation)
	return p, nil
}

func (e Engine) claim(ctx context.Context, p domain.Proposal, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ClaimProposalTx(ctx, tx, p.TenantID, p.ID, domain.FormatTime(e.now()))
	if err != nil || !ok {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.ProposalApproved, p.TenantID, "proposal", p.ID, actorID, nil); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (e Engine) finish(ctx context.Context, p domain.Proposal, out repo.ProposalOutcome, evtType, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishProposalTx(ctx, tx, p.TenantID, p.ID, out); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, p.TenantID, "proposal", p.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Reject closes a pending proposal without applying it.
func (e Engine) Reject(ctx context.Context, tenantID, id, actorID string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProposalTx(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	now := domain.FormatTime(e.now())
	ok, err := e.Repo.RejectProposalTx(ctx, tx, tenantID, id, now)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, stateErr(p, "reject", nil)
	}
	if err := e.Events.Append(ctx, tx, events.ProposalRejected, tenantID, "proposal", id, actorID, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = domain.StatusRejected
	p.UpdatedAt = now
	return p, nil
}

// Retry creates a new pending proposal from a failed one. The failed proposal
// itself stays failed.
func (e Engine) Retry(ctx context.Context, tenantID, id, actorID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, tenantID, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.StatusFailed {
		return p, stateErr(p, "retry", nil)
	}
	opts := CreateOptions{
		TenantID:   p.TenantID,
		EntityType: p.EntityType,
		Operation:  p.Operation,
		Payload:    p.Payload,
		ActorID:    actorID,
	}
	if p.EntityID != nil {
		opts.EntityID = *p.EntityID
	}
	if p.Source != nil {
		opts.Source = *p.Source
	}
	return e.Create(ctx, opts)
}

// ReconcileStuck fails proposals left approved (in flight) for longer than
// olderThan, which only happens when the process died mid-execution.
func (e Engine) ReconcileStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := domain.FormatTime(e.now().Add(-olderThan))
	stuck, err := e.Repo.StuckProposals(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	msg := "execution interrupted"
	n := 0
	for _, p := range stuck {
		out := repo.ProposalOutcome{Status: domain.StatusFailed, Error: &msg, At: domain.FormatTime(e.now())}
		err := e.finish(ctx, p, out, events.ProposalFailed, "system", events.EventPayload{"error": msg, "reconciled": true})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		e.logger().Warn("reconciled interrupted proposal", "proposal", p.ID, "tenant", p.TenantID)
	}
	return n, nil
}

// payloadHash is the SHA-256 of the canonical JSON encoding; encoding/json
// sorts map keys.
func payloadHash(p domain.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// PayloadHash exposes the de-duplication hash used for stored proposals.
func PayloadHash(p domain.Payload) (string, error) {
	if p == nil {
		p = domain.Payload{}
	}
	return payloadHash(p)
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
