package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

// GetApprovalConfig returns the stored policy row for one entity type.
func (r Repo) GetApprovalConfig(ctx context.Context, tenantID string, entityType domain.EntityType) (domain.ApprovalConfig, error) {
	var c domain.ApprovalConfig
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id,entity_type,requires_approval,updated_at FROM approval_configs WHERE tenant_id=? AND entity_type=?`,
		tenantID, entityType).Scan(&c.TenantID, &c.EntityType, &c.RequiresApproval, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListApprovalConfigs returns every stored policy row of a tenant.
func (r Repo) ListApprovalConfigs(ctx context.Context, tenantID string) ([]domain.ApprovalConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id,entity_type,requires_approval,updated_at FROM approval_configs WHERE tenant_id=? ORDER BY entity_type`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalConfig
	for rows.Next() {
		var c domain.ApprovalConfig
		if err := rows.Scan(&c.TenantID, &c.EntityType, &c.RequiresApproval, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertApprovalConfigTx writes the policy row, last write wins.
func (r Repo) UpsertApprovalConfigTx(ctx context.Context, tx *sql.Tx, c domain.ApprovalConfig) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO approval_configs(tenant_id,entity_type,requires_approval,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,entity_type) DO UPDATE SET requires_approval=excluded.requires_approval, updated_at=excluded.updated_at`,
		c.TenantID, c.EntityType, c.RequiresApproval, c.UpdatedAt)
	return err
}
