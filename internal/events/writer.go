package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"crmflow/internal/domain"
)

// Event types appended by the proposal engine and the policy store.
const (
	ProposalCreated        = "proposal.created"
	ProposalPayloadUpdated = "proposal.payload_updated"
	ProposalApproved       = "proposal.approved"
	ProposalExecuted       = "proposal.executed"
	ProposalFailed         = "proposal.failed"
	ProposalRejected       = "proposal.rejected"
	ApprovalConfigUpdated  = "approval_config.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
