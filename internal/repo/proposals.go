package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"crmflow/internal/domain"
)

const proposalColumns = `seq,id,tenant_id,entity_type,operation,entity_id,payload_json,payload_hash,validation_errors,status,error,result_entity_id,source,created_at,updated_at,executed_at`

// sortColumns whitelists the columns a proposal listing may be ordered by.
var sortColumns = map[string]string{
	"created_at":  "created_at",
	"createdAt":   "created_at",
	"updated_at":  "updated_at",
	"updatedAt":   "updated_at",
	"status":      "status",
	"entity_type": "entity_type",
	"entityType":  "entity_type",
	"seq":         "seq",
}

// ValidSortColumn reports whether name can be used as a proposal sort key.
func ValidSortColumn(name string) bool {
	_, ok := sortColumns[name]
	return ok
}

func scanProposal(s scanner) (domain.Proposal, error) {
	var (
		p                                          domain.Proposal
		entityID, errMsg, resultID, source, execAt sql.NullString
		payload, verrs                             string
	)
	err := s.Scan(&p.Seq, &p.ID, &p.TenantID, &p.EntityType, &p.Operation, &entityID, &payload, &p.PayloadHash,
		&verrs, &p.Status, &errMsg, &resultID, &source, &p.CreatedAt, &p.UpdatedAt, &execAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return p, fmt.Errorf("decode payload of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(verrs), &p.ValidationErrors); err != nil {
		return p, fmt.Errorf("decode validation errors of %s: %w", p.ID, err)
	}
	if p.ValidationErrors == nil {
		p.ValidationErrors = []domain.FieldError{}
	}
	p.EntityID = stringPtr(entityID)
	p.Error = stringPtr(errMsg)
	p.ResultEntityID = stringPtr(resultID)
	p.Source = stringPtr(source)
	p.ExecutedAt = stringPtr(execAt)
	return p, nil
}

// encodeValidation always yields a JSON array; the execution claim compares
// against the literal '[]'.
func encodeValidation(errs []domain.FieldError) (string, error) {
	if errs == nil {
		errs = []domain.FieldError{}
	}
	data, err := json.Marshal(errs)
	return string(data), err
}

// InsertProposalTx stores p and returns its sequence number.
func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) (int64, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, err
	}
	verrs, err := encodeValidation(p.ValidationErrors)
	if err != nil {
		return 0, err
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO proposals(id,tenant_id,entity_type,operation,entity_id,payload_json,payload_hash,validation_errors,status,error,result_entity_id,source,created_at,updated_at,executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.EntityType, p.Operation, nullableStringPtr(p.EntityID), string(payload), p.PayloadHash, verrs,
		p.Status, nullableStringPtr(p.Error), nullableStringPtr(p.ResultEntityID), nullableStringPtr(p.Source),
		p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.ExecutedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProposal(ctx context.Context, tenantID, id string) (domain.Proposal, error) {
	return r.GetProposalTx(ctx, nil, tenantID, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Proposal, error) {
	return scanProposal(r.conn(tx).QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE tenant_id=? AND id=?`, tenantID, id))
}

type ProposalFilter struct {
	TenantID   string
	Status     domain.Status
	EntityType domain.EntityType
	SortBy     string
	Desc       bool
	Limit      int
	Offset     int
}

// ListProposals returns one page of proposals and the total matching count.
func (r Repo) ListProposals(ctx context.Context, f ProposalFilter) ([]domain.Proposal, int, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM proposals `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM proposals %s ORDER BY %s %s, seq %s`, proposalColumns, where, col, dir, dir)
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	list, err := r.queryProposals(ctx, query, args...)
	return list, total, err
}

// ProposalsAfterSeq returns proposals created after seq, oldest first.
func (r Repo) ProposalsAfterSeq(ctx context.Context, tenantID string, seq int64, limit int) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE tenant_id=? AND seq>? ORDER BY seq ASC`
	args := []any{tenantID, seq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryProposals(ctx, query, args...)
}

// PendingProposalIDs returns the IDs of pending proposals, oldest first.
func (r Repo) PendingProposalIDs(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM proposals WHERE tenant_id=? AND status='pending' ORDER BY seq ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasOpenDuplicate reports whether a pending or in-flight proposal with the same
// target and payload already exists.
func (r Repo) HasOpenDuplicate(ctx context.Context, p domain.Proposal) (bool, error) {
	query := `SELECT count(*) FROM proposals WHERE tenant_id=? AND entity_type=? AND operation=? AND payload_hash=? AND status IN ('pending','approved')`
	args := []any{p.TenantID, p.EntityType, p.Operation, p.PayloadHash}
	if p.EntityID != nil {
		query += ` AND entity_id=?`
		args = append(args, *p.EntityID)
	} else {
		query += ` AND entity_id IS NULL`
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateProposalPayloadTx replaces the payload of a pending proposal. It reports
// false when the proposal is no longer pending.
func (r Repo) UpdateProposalPayloadTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) (bool, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return false, err
	}
	verrs, err := encodeValidation(p.ValidationErrors)
	if err != nil {
		return false, err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE proposals SET payload_json=?, payload_hash=?, validation_errors=?, updated_at=?
WHERE tenant_id=? AND id=? AND status='pending'`, string(payload), p.PayloadHash, verrs, p.UpdatedAt, p.TenantID, p.ID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClaimProposalTx moves a valid pending proposal to approved. Exactly one
// caller can win the claim for a given proposal.
func (r Repo) ClaimProposalTx(ctx context.Context, tx *sql.Tx, tenantID, id, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE proposals SET status='approved', updated_at=?
WHERE tenant_id=? AND id=? AND status='pending' AND validation_errors='[]'`, now, tenantID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RejectProposalTx moves a pending proposal to rejected.
func (r Repo) RejectProposalTx(ctx context.Context, tx *sql.Tx, tenantID, id, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE proposals SET status='rejected', updated_at=?
WHERE tenant_id=? AND id=? AND status='pending'`, now, tenantID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ProposalOutcome is the terminal result of an execution attempt.
type ProposalOutcome struct {
	Status         domain.Status
	Error          *string
	ResultEntityID *string
	At             string
}

// FinishProposalTx records the outcome of an in-flight proposal.
func (r Repo) FinishProposalTx(ctx context.Context, tx *sql.Tx, tenantID, id string, out ProposalOutcome) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE proposals SET status=?, error=?, result_entity_id=?, updated_at=?, executed_at=?
WHERE tenant_id=? AND id=? AND status='approved'`,
		out.Status, nullableStringPtr(out.Error), nullableStringPtr(out.ResultEntityID), out.At, out.At, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StuckProposals returns proposals left approved since before the cutoff.
func (r Repo) StuckProposals(ctx context.Context, before string) ([]domain.Proposal, error) {
	return r.queryProposals(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE status='approved' AND updated_at<? ORDER BY seq ASC`, before)
}

func (r Repo) queryProposals(ctx context.Context, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
