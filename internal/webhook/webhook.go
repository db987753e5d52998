// Package webhook forwards audit events to configured HTTP endpoints. Each
// hook keeps its own persisted cursor, so a restart resumes where delivery
// stopped instead of replaying or dropping events.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/repo"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultBatch   = 100
)

// Hook is one delivery target. An empty Events list forwards every event.
type Hook struct {
	Name     string        `yaml:"name" json:"name"`
	URL      string        `yaml:"url" json:"url"`
	TenantID string        `yaml:"tenant_id" json:"tenant_id,omitempty"`
	Events   []string      `yaml:"events" json:"events,omitempty"`
	Secret   string        `yaml:"secret" json:"-"`
	Enabled  *bool         `yaml:"enabled" json:"enabled,omitempty"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

func (h Hook) enabled() bool {
	return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
}

// CursorJob is the watermark key of a hook.
func (h Hook) CursorJob() string { return "webhook:" + h.Name }

type Store interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, tenantID string) (int64, error)
	GetWatermark(ctx context.Context, job, tenantID string) (domain.DigestWatermark, error)
	UpsertWatermark(ctx context.Context, w domain.DigestWatermark) error
}

type Dispatcher struct {
	Store  Store
	Hooks  []Hook
	Client *http.Client
	Logger *slog.Logger
	Batch  int
	Now    func() time.Time
}

// HookResult reports one hook's pass.
type HookResult struct {
	Hook      string `json:"hook"`
	Delivered int    `json:"delivered"`
	Filtered  int    `json:"filtered"`
	Cursor    int64  `json:"cursor"`
	Error     string `json:"error,omitempty"`
}

type Result struct {
	Hooks []HookResult `json:"hooks"`
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Run delivers pending events to every enabled hook. A failing hook does not
// hold back the others; its error is included in the returned error.
func (d Dispatcher) Run(ctx context.Context) (Result, error) {
	res := Result{Hooks: []HookResult{}}
	var errs []error
	for _, hook := range d.Hooks {
		if !hook.enabled() {
			continue
		}
		hr, err := d.dispatch(ctx, hook)
		if err != nil {
			hr.Error = err.Error()
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.Name, err))
			d.logger().Warn("webhook delivery failed", "hook", hook.Name, "url", hook.URL, "err", err)
		}
		res.Hooks = append(res.Hooks, hr)
	}
	return res, errors.Join(errs...)
}

func (d Dispatcher) dispatch(ctx context.Context, hook Hook) (HookResult, error) {
	hr := HookResult{Hook: hook.Name}
	cursor, err := d.cursor(ctx, hook)
	if err != nil {
		return hr, err
	}
	hr.Cursor = cursor

	batch := d.Batch
	if batch <= 0 {
		batch = DefaultBatch
	}
	events, err := d.Store.EventsAfter(ctx, batch, cursor, hook.TenantID)
	if err != nil {
		return hr, fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	var last *domain.Event
	var deliverErr error
	for i := range events {
		evt := events[i]
		if filter.match(evt.Type) {
			if deliverErr = d.post(ctx, hook, evt); deliverErr != nil {
				break
			}
			hr.Delivered++
		} else {
			hr.Filtered++
		}
		last = &events[i]
	}
	if last != nil {
		if err := d.save(ctx, hook, *last); err != nil {
			return hr, fmt.Errorf("save cursor: %w", err)
		}
		hr.Cursor = last.ID
	}
	return hr, deliverErr
}

// cursor loads the hook's position. A hook seen for the first time starts at
// the newest event rather than replaying history.
func (d Dispatcher) cursor(ctx context.Context, hook Hook) (int64, error) {
	w, err := d.Store.GetWatermark(ctx, hook.CursorJob(), hook.TenantID)
	if err == nil {
		return w.LastSeq, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	latest, err := d.Store.LatestEventID(ctx, hook.TenantID)
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	now := domain.FormatTime(d.now())
	w = domain.DigestWatermark{Job: hook.CursorJob(), TenantID: hook.TenantID, WatermarkAt: now, LastSeq: latest, UpdatedAt: now}
	if err := d.Store.UpsertWatermark(ctx, w); err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	return latest, nil
}

func (d Dispatcher) save(ctx context.Context, hook Hook, evt domain.Event) error {
	return d.Store.UpsertWatermark(ctx, domain.DigestWatermark{
		Job:         hook.CursorJob(),
		TenantID:    hook.TenantID,
		WatermarkAt: evt.TS,
		LastSeq:     evt.ID,
		UpdatedAt:   domain.FormatTime(d.now()),
	})
}

type delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d Dispatcher) post(ctx context.Context, hook Hook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}

	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crmflow-Event", evt.Type)
	req.Header.Set("X-Crmflow-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.TenantID != "" {
		req.Header.Set("X-Crmflow-Tenant", evt.TenantID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Crmflow-Secret", hook.Secret)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
