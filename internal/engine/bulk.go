package engine

import (
	"context"

	"crmflow/internal/domain"
)

type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult aggregates the per-proposal outcomes of a batch.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

func newBulkResult() BulkResult {
	return BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
}

// BulkApprove approves ids one by one in the given order. A proposal counts as
// succeeded only when it ends executed; one failure never stops the batch.
func (e Engine) BulkApprove(ctx context.Context, tenantID string, ids []string, actorID string) BulkResult {
	res := newBulkResult()
	for _, id := range ids {
		p, err := e.Approve(ctx, tenantID, id, actorID)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, BulkFailure{ID: id, Error: err.Error()})
		case p.Status != domain.StatusExecuted:
			msg := "proposal ended in status " + string(p.Status)
			if p.Error != nil {
				msg = *p.Error
			}
			res.Failed = append(res.Failed, BulkFailure{ID: id, Error: msg})
		default:
			res.Succeeded = append(res.Succeeded, id)
		}
	}
	e.logger().Info("bulk approve finished", "tenant", tenantID, "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res
}

// BulkReject rejects ids one by one in the given order.
func (e Engine) BulkReject(ctx context.Context, tenantID string, ids []string, actorID string) BulkResult {
	res := newBulkResult()
	for _, id := range ids {
		if _, err := e.Reject(ctx, tenantID, id, actorID); err != nil {
			res.Failed = append(res.Failed, BulkFailure{ID: id, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	e.logger().Info("bulk reject finished", "tenant", tenantID, "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res
}

// ApproveAll approves every pending proposal of the tenant, oldest first.
// Proposals with validation errors are reported as failed.
func (e Engine) ApproveAll(ctx context.Context, tenantID, actorID string) (BulkResult, error) {
	ids, err := e.Repo.PendingProposalIDs(ctx, tenantID)
	if err != nil {
		return BulkResult{}, err
	}
	return e.BulkApprove(ctx, tenantID, ids, actorID), nil
}

// RejectAll rejects every pending proposal of the tenant, oldest first.
func (e Engine) RejectAll(ctx context.Context, tenantID, actorID string) (BulkResult, error) {
	ids, err := e.Repo.PendingProposalIDs(ctx, tenantID)
	if err != nil {
		return BulkResult{}, err
	}
	return e.BulkReject(ctx, tenantID, ids, actorID), nil
}
