package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every persisted timestamp so
// that string comparison orders them chronologically.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type EntityType string

const (
	EntityContact         EntityType = "contact"
	EntityOrganization    EntityType = "organization"
	EntityIndividual      EntityType = "individual"
	EntityJob             EntityType = "job"
	EntityNote            EntityType = "note"
	EntityTask            EntityType = "task"
	EntityJobLead         EntityType = "job_lead"
	EntityOpportunityLead EntityType = "opportunity_lead"
	EntityPartnershipLead EntityType = "partnership_lead"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// Payload is the loosely typed field map a proposal writes to its target entity.
type Payload map[string]any

// FieldError is one entity-specific validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Proposal struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	EntityType       EntityType   `json:"entity_type"`
	Operation        Operation    `json:"operation" enum:"create,update,delete"`
	EntityID         *string      `json:"entity_id,omitempty"`
	Payload          Payload      `json:"payload"`
	PayloadHash      string       `json:"-"`
	ValidationErrors []FieldError `json:"validation_errors"`
	Status           Status       `json:"status" enum:"pending,approved,rejected,executed,failed"`
	Error            *string      `json:"error,omitempty"`
	ResultEntityID   *string      `json:"result_entity_id,omitempty"`
	Source           *string      `json:"source,omitempty"`
	Seq              int64        `json:"seq"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
	ExecutedAt       *string      `json:"executed_at,omitempty" format:"date-time"`
}

// Valid reports whether the proposal passed entity-specific validation.
func (p Proposal) Valid() bool {
	return len(p.ValidationErrors) == 0
}

type ApprovalConfig struct {
	TenantID         string     `json:"tenant_id"`
	EntityType       EntityType `json:"entity_type"`
	RequiresApproval bool       `json:"requires_approval"`
	UpdatedAt        string     `json:"updated_at,omitempty" format:"date-time"`
}

// AutomationTarget is one discovery query of an automation run.
type AutomationTarget struct {
	EntityType EntityType        `yaml:"entity_type" json:"entity_type"`
	Operation  Operation         `yaml:"operation" json:"operation,omitempty"`
	Query      string            `yaml:"query" json:"query"`
	Limit      int               `yaml:"limit" json:"limit,omitempty"`
	FieldMap   map[string]string `yaml:"field_map" json:"field_map,omitempty"`
	Defaults   map[string]any    `yaml:"defaults" json:"defaults,omitempty"`
}

// AutomationConfig describes what the automation worker searches for per run.
type AutomationConfig struct {
	Name     string             `yaml:"name" json:"name"`
	TenantID string             `yaml:"tenant_id" json:"tenant_id"`
	Enabled  bool               `yaml:"enabled" json:"enabled"`
	Interval time.Duration      `yaml:"interval" json:"interval"`
	Timeout  time.Duration      `yaml:"timeout" json:"timeout"`
	Targets  []AutomationTarget `yaml:"targets" json:"targets"`
}

// DigestWatermark marks the newest proposal already reported by a digest job.
type DigestWatermark struct {
	Job         string `json:"job"`
	TenantID    string `json:"tenant_id"`
	WatermarkAt string `json:"watermark_at" format:"date-time"`
	LastSeq     int64  `json:"last_seq"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// JobRun is the persisted in-progress marker of one scheduler run.
type JobRun struct {
	ID          string    `json:"id"`
	Job         string    `json:"job"`
	Owner       string    `json:"owner"`
	Status      RunStatus `json:"status" enum:"running,succeeded,failed,aborted"`
	StartedAt   string    `json:"started_at" format:"date-time"`
	HeartbeatAt string    `json:"heartbeat_at" format:"date-time"`
	FinishedAt  *string   `json:"finished_at,omitempty" format:"date-time"`
	Summary     string    `json:"summary_json,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
