package repo

import (
	"context"
	"database/sql"

	"crmflow/internal/domain"
)

const jobRunColumns = `id,job,owner,status,started_at,heartbeat_at,finished_at,COALESCE(summary_json,''),COALESCE(error,'')`

func scanJobRun(s scanner) (domain.JobRun, error) {
	var (
		run      domain.JobRun
		finished sql.NullString
	)
	err := s.Scan(&run.ID, &run.Job, &run.Owner, &run.Status, &run.StartedAt, &run.HeartbeatAt, &finished, &run.Summary, &run.Error)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	run.FinishedAt = stringPtr(finished)
	return run, err
}

func (r Repo) InsertJobRun(ctx context.Context, run domain.JobRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO job_runs(id,job,owner,status,started_at,heartbeat_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Job, run.Owner, run.Status, run.StartedAt, run.HeartbeatAt)
	return err
}

// ClaimJobRun inserts run as running unless another running row of the same
// job has a heartbeat at or after liveAfter. Older running rows of the job are
// aborted first. It reports whether the claim was taken.
func (r Repo) ClaimJobRun(ctx context.Context, run domain.JobRun, liveAfter string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE job_runs SET status='aborted', error=?, finished_at=?
WHERE job=? AND status='running' AND heartbeat_at<?`, "heartbeat lost", run.StartedAt, run.Job, liveAfter); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO job_runs(id,job,owner,status,started_at,heartbeat_at)
SELECT ?,?,?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM job_runs WHERE job=? AND status='running')`,
		run.ID, run.Job, run.Owner, run.Status, run.StartedAt, run.HeartbeatAt, run.Job)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// HeartbeatJobRun refreshes the liveness timestamp of a running row.
func (r Repo) HeartbeatJobRun(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE job_runs SET heartbeat_at=? WHERE id=? AND status='running'`, now, id)
	return err
}

// FinishJobRun closes a running row. Rows already aborted by a sweep stay aborted.
func (r Repo) FinishJobRun(ctx context.Context, id string, status domain.RunStatus, summary, errMsg, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE job_runs SET status=?, summary_json=?, error=?, finished_at=?, heartbeat_at=? WHERE id=? AND status='running'`,
		status, nullable(summary), nullable(errMsg), now, now, id)
	return err
}

func (r Repo) GetJobRun(ctx context.Context, id string) (domain.JobRun, error) {
	return scanJobRun(r.DB.QueryRowContext(ctx, `SELECT `+jobRunColumns+` FROM job_runs WHERE id=?`, id))
}

// ListJobRuns returns the latest runs, optionally for one job.
func (r Repo) ListJobRuns(ctx context.Context, job string, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobRunColumns + ` FROM job_runs`
	var args []any
	if job != "" {
		query += ` WHERE job=?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AbortStaleJobRuns marks running rows whose heartbeat is older than before
// as aborted. It returns how many rows were swept.
func (r Repo) AbortStaleJobRuns(ctx context.Context, before, now, reason string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE job_runs SET status='aborted', error=?, finished_at=?
WHERE status='running' AND heartbeat_at<?`, reason, now, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
