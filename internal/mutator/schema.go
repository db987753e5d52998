package mutator

import (
	"context"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"sort"
	"strings"
	"time"

	"crmflow/internal/crm"
	"crmflow/internal/domain"
)

type Kind string

const (
	KindString Kind = "string"
	KindEmail  Kind = "email"
	KindURL    Kind = "url"
	KindInt    Kind = "int"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindDate   Kind = "date"
	KindEnum   Kind = "enum"
)

type Field struct {
	Name     string
	Kind     Kind
	Required bool
	MaxLen   int
	Values   []string
}

// Schema is the ordered field list of an entity type.
type Schema struct {
	EntityType domain.EntityType
	Fields     []Field
}

func (s Schema) field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks payload for op. Errors follow schema field order, then
// unknown fields sorted by name.
func (s Schema) Validate(op domain.Operation, entityID *string, payload domain.Payload) []domain.FieldError {
	errs := []domain.FieldError{}
	add := func(field, msg string) {
		errs = append(errs, domain.FieldError{Field: field, Message: msg})
	}
	switch op {
	case domain.OperationCreate:
	case domain.OperationUpdate, domain.OperationDelete:
		if entityID == nil || strings.TrimSpace(*entityID) == "" {
			add("entity_id", fmt.Sprintf("is required for %s", op))
		}
		if op == domain.OperationDelete {
			return errs
		}
		if len(payload) == 0 {
			add("payload", "must contain at least one field")
			return errs
		}
	default:
		add("operation", fmt.Sprintf("unsupported operation %q", op))
		return errs
	}

	for _, f := range s.Fields {
		v, present := payload[f.Name]
		if !present || isBlank(v) {
			switch {
			case op == domain.OperationCreate && f.Required:
				add(f.Name, "required")
			case op == domain.OperationUpdate && present && f.Required:
				add(f.Name, "cannot be cleared")
			}
			continue
		}
		if msg := checkValue(f, v); msg != "" {
			add(f.Name, msg)
		}
	}

	var unknown []string
	for k := range payload {
		if _, ok := s.field(k); !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		add(k, "unknown field")
	}
	return errs
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func checkValue(f Field, v any) string {
	switch f.Kind {
	case KindString, KindEmail, KindURL, KindDate, KindEnum:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if f.MaxLen > 0 && len(s) > f.MaxLen {
			return fmt.Sprintf("must be at most %d characters", f.MaxLen)
		}
		return checkString(f, s)
	case KindInt:
		n, ok := toFloat(v)
		if !ok || n != math.Trunc(n) {
			return "must be an integer"
		}
	case KindNumber:
		if _, ok := toFloat(v); !ok {
			return "must be a number"
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	}
	return ""
}

func checkString(f Field, s string) string {
	switch f.Kind {
	case KindEmail:
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != s {
			return "must be a valid email address"
		}
	case KindURL:
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "must be an http(s) URL"
		}
	case KindDate:
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return ""
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "must be a date (YYYY-MM-DD or RFC3339)"
		}
	case KindEnum:
		for _, allowed := range f.Values {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %s", strings.Join(f.Values, ", "))
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// schemaMutator is the adapter used for every built-in entity type: a schema
// for validation plus the entity service that applies the change.
type schemaMutator struct {
	schema  Schema
	service crm.Service
}

// New returns a Mutator validating with schema and writing through svc.
func New(schema Schema, svc crm.Service) Mutator {
	return schemaMutator{schema: schema, service: svc}
}

func (m schemaMutator) EntityType() domain.EntityType { return m.schema.EntityType }

func (m schemaMutator) Validate(op domain.Operation, entityID *string, payload domain.Payload) []domain.FieldError {
	return m.schema.Validate(op, entityID, payload)
}

func (m schemaMutator) Create(ctx context.Context, tenantID string, payload domain.Payload) (string, error) {
	return m.service.Create(ctx, tenantID, payload)
}

func (m schemaMutator) Update(ctx context.Context, tenantID, id string, payload domain.Payload) error {
	return m.service.Update(ctx, tenantID, id, payload)
}

func (m schemaMutator) Delete(ctx context.Context, tenantID, id string) error {
	return m.service.Delete(ctx, tenantID, id)
}
