// Package crm is a small SQL-backed store for the CRM entities that proposals
// mutate. It stands in for the real entity services: records are JSON documents
// keyed by tenant, with reference columns promoted so foreign keys apply.
package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crmflow/internal/domain"
)

var ErrNotFound = errors.New("entity not found")

// Service is the persistence boundary of one entity type.
type Service interface {
	Create(ctx context.Context, tenantID string, fields map[string]any) (string, error)
	Update(ctx context.Context, tenantID, id string, fields map[string]any) error
	Delete(ctx context.Context, tenantID, id string) error
	Get(ctx context.Context, tenantID, id string) (Record, error)
}

type Record struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Table implements Service over one table.
type Table struct {
	DB   *sql.DB
	Name string
	Now  func() time.Time

	// Kind, when set, is written to and filtered on the kind column (leads).
	Kind string
	// Refs are payload fields stored in their own column.
	Refs []string
}

func (t Table) now() string {
	if t.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(t.Now())
}

func (t Table) scope() (string, []any) {
	if t.Kind == "" {
		return "tenant_id=?", nil
	}
	return "tenant_id=? AND kind=?", []any{t.Kind}
}

func (t Table) Create(ctx context.Context, tenantID string, fields map[string]any) (string, error) {
	if err := t.checkRefs(ctx, tenantID, fields); err != nil {
		return "", err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := t.now()
	cols := []string{"id", "tenant_id", "data_json", "created_at", "updated_at"}
	args := []any{id, tenantID, string(data), now, now}
	if t.Kind != "" {
		cols = append(cols, "kind")
		args = append(args, t.Kind)
	}
	for _, ref := range t.Refs {
		cols = append(cols, ref)
		args = append(args, refValue(fields[ref]))
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, t.Name, strings.Join(cols, ","), marks)
	if _, err := t.DB.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("create %s: %w", t.entity(), err)
	}
	return id, nil
}

// Update merges fields into the stored record. A nil value clears the field.
func (t Table) Update(ctx context.Context, tenantID, id string, fields map[string]any) error {
	rec, err := t.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		if v == nil {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = v
	}
	if err := t.checkRefs(ctx, tenantID, rec.Fields); err != nil {
		return err
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	sets := []string{"data_json=?", "updated_at=?"}
	args := []any{string(data), t.now()}
	for _, ref := range t.Refs {
		sets = append(sets, ref+"=?")
		args = append(args, refValue(rec.Fields[ref]))
	}
	where, scopeArgs := t.scope()
	args = append(args, tenantID)
	args = append(args, scopeArgs...)
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s AND id=?`, t.Name, strings.Join(sets, ","), where)
	if _, err := t.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s %s: %w", t.entity(), id, err)
	}
	return nil
}

func (t Table) Delete(ctx context.Context, tenantID, id string) error {
	where, scopeArgs := t.scope()
	args := append([]any{tenantID}, scopeArgs...)
	args = append(args, id)
	res, err := t.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s AND id=?`, t.Name, where), args...)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", t.entity(), id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", t.entity(), id, ErrNotFound)
	}
	return nil
}

func (t Table) Get(ctx context.Context, tenantID, id string) (Record, error) {
	where, scopeArgs := t.scope()
	args := append([]any{tenantID}, scopeArgs...)
	args = append(args, id)
	var (
		rec  Record
		data string
	)
	err := t.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT id,tenant_id,data_json,created_at,updated_at FROM %s WHERE %s AND id=?`, t.Name, where), args...).
		Scan(&rec.ID, &rec.TenantID, &data, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("%s %s: %w", t.entity(), id, ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return rec, err
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, nil
}

// checkRefs makes sure every reference points at a record of tenantID. The
// foreign keys only see ids, which are unique across tenants.
func (t Table) checkRefs(ctx context.Context, tenantID string, fields map[string]any) error {
	for _, ref := range t.Refs {
		id, ok := refValue(fields[ref]).(string)
		if !ok {
			continue
		}
		table := strings.TrimSuffix(ref, "_id") + "s"
		var n int
		err := t.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE id=? AND tenant_id=?`, table), id, tenantID).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound)
		}
	}
	return nil
}

func (t Table) entity() string {
	if t.Kind != "" {
		return t.Kind + " lead"
	}
	return strings.TrimSuffix(t.Name, "s")
}

func refValue(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return s
}

// Services returns the stand-in service of every entity type.
func Services(db *sql.DB, now func() time.Time) map[domain.EntityType]Service {
	return map[domain.EntityType]Service{
		domain.EntityContact:         Table{DB: db, Name: "contacts", Refs: []string{"organization_id"}, Now: now},
		domain.EntityOrganization:    Table{DB: db, Name: "organizations", Now: now},
		domain.EntityIndividual:      Table{DB: db, Name: "individuals", Now: now},
		domain.EntityJob:             Table{DB: db, Name: "jobs", Refs: []string{"organization_id"}, Now: now},
		domain.EntityNote:            Table{DB: db, Name: "notes", Now: now},
		domain.EntityTask:            Table{DB: db, Name: "tasks", Now: now},
		domain.EntityJobLead:         Table{DB: db, Name: "leads", Kind: "job", Refs: []string{"organization_id"}, Now: now},
		domain.EntityOpportunityLead: Table{DB: db, Name: "leads", Kind: "opportunity", Refs: []string{"organization_id"}, Now: now},
		domain.EntityPartnershipLead: Table{DB: db, Name: "leads", Kind: "partnership", Refs: []string{"organization_id"}, Now: now},
	}
}
