package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

// GetWatermark returns the cursor of a digest (or webhook) job.
func (r Repo) GetWatermark(ctx context.Context, job, tenantID string) (domain.DigestWatermark, error) {
	var w domain.DigestWatermark
	err := r.DB.QueryRowContext(ctx, `SELECT job,tenant_id,watermark_at,last_seq,updated_at FROM digest_watermarks WHERE job=? AND tenant_id=?`,
		job, tenantID).Scan(&w.Job, &w.TenantID, &w.WatermarkAt, &w.LastSeq, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.DigestWatermark{Job: job, TenantID: tenantID}, ErrNotFound
	}
	return w, err
}

// UpsertWatermark stores the cursor. A cursor never moves backwards.
func (r Repo) UpsertWatermark(ctx context.Context, w domain.DigestWatermark) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO digest_watermarks(job,tenant_id,watermark_at,last_seq,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(job,tenant_id) DO UPDATE SET watermark_at=excluded.watermark_at, last_seq=excluded.last_seq, updated_at=excluded.updated_at
WHERE excluded.last_seq >= digest_watermarks.last_seq`,
		w.Job, w.TenantID, w.WatermarkAt, w.LastSeq, w.UpdatedAt)
	return err
}
