// Package policy stores, per tenant and entity type, whether proposals need a
// human approval before they are executed.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/repo"
)

// DefaultRequiresApproval applies to entity types nobody configured.
const DefaultRequiresApproval = true

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	// Types lists the entity types List reports on.
	Types func() []domain.EntityType
}

func (s Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Get reports whether proposals of entityType need approval.
func (s Store) Get(ctx context.Context, tenantID string, entityType domain.EntityType) (bool, error) {
	cfg, err := s.Repo.GetApprovalConfig(ctx, tenantID, entityType)
	if errors.Is(err, repo.ErrNotFound) {
		return DefaultRequiresApproval, nil
	}
	if err != nil {
		return false, err
	}
	return cfg.RequiresApproval, nil
}

// Set stores the policy; the last write wins.
func (s Store) Set(ctx context.Context, tenantID string, entityType domain.EntityType, requiresApproval bool, actorID string) (domain.ApprovalConfig, error) {
	cfg := domain.ApprovalConfig{
		TenantID:         tenantID,
		EntityType:       entityType,
		RequiresApproval: requiresApproval,
		UpdatedAt:        domain.FormatTime(s.now()),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return cfg, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpsertApprovalConfigTx(ctx, tx, cfg); err != nil {
		return cfg, err
	}
	if err := s.Events.Append(ctx, tx, events.ApprovalConfigUpdated, tenantID, "approval_config", string(entityType), actorID,
		events.EventPayload{"requires_approval": requiresApproval}); err != nil {
		return cfg, err
	}
	return cfg, tx.Commit()
}

// List returns the effective policy of every known entity type, including the
// ones still on the default.
func (s Store) List(ctx context.Context, tenantID string) ([]domain.ApprovalConfig, error) {
	stored, err := s.Repo.ListApprovalConfigs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byType := map[domain.EntityType]domain.ApprovalConfig{}
	for _, c := range stored {
		byType[c.EntityType] = c
	}
	var types []domain.EntityType
	if s.Types != nil {
		types = s.Types()
	}
	res := make([]domain.ApprovalConfig, 0, len(types))
	seen := map[domain.EntityType]bool{}
	for _, t := range types {
		seen[t] = true
		if c, ok := byType[t]; ok {
			res = append(res, c)
			continue
		}
		res = append(res, domain.ApprovalConfig{TenantID: tenantID, EntityType: t, RequiresApproval: DefaultRequiresApproval})
	}
	for _, c := range stored {
		if !seen[c.EntityType] {
			res = append(res, c)
		}
	}
	return res, nil
}
