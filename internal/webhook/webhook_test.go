package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/db"
	"crmflow/internal/events"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
)

type receiver struct {
	mu      sync.Mutex
	got     []delivery
	headers []http.Header
	fail    bool
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.fail {
		http.Error(w, "downstream unavailable", http.StatusBadGateway)
		return
	}
	var d delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rc.got = append(rc.got, d)
	rc.headers = append(rc.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func (rc *receiver) setFail(v bool) {
	rc.mu.Lock()
	rc.fail = v
	rc.mu.Unlock()
}

func (rc *receiver) types() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []string
	for _, d := range rc.got {
		out = append(out, d.Type)
	}
	return out
}

type fixture struct {
	repo repo.Repo
	w    events.Writer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "hooks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return fixture{repo: repo.Repo{DB: conn}, w: events.Writer{DB: conn}}
}

func (f fixture) emit(t *testing.T, evtType, tenant, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, f.w.Append(ctx, tx, evtType, tenant, "proposal", id, "alice", events.EventPayload{"entity_type": "contact"}))
	require.NoError(t, tx.Commit())
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatchStartsAtLatestAndAdvances(t *testing.T) {
	f := newFixture(t)
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	f.emit(t, events.ProposalCreated, "t1", "old")

	d := Dispatcher{
		Store:  f.repo,
		Hooks:  []Hook{{Name: "ops", URL: srv.URL, TenantID: "t1", Secret: "s3cret"}},
		Client: srv.Client(),
		Logger: quiet(),
	}
	ctx := context.Background()
	res, err := d.Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.Hooks, 1)
	assert.Equal(t, 0, res.Hooks[0].Delivered, "history is not replayed")

	f.emit(t, events.ProposalCreated, "t1", "p1")
	f.emit(t, events.ProposalExecuted, "t2", "other-tenant")
	f.emit(t, events.ProposalExecuted, "t1", "p1")

	res, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Hooks[0].Delivered)
	assert.Equal(t, []string{events.ProposalCreated, events.ProposalExecuted}, rc.types())
	assert.Equal(t, "s3cret", rc.headers[0].Get("X-Crmflow-Secret"))
	assert.Equal(t, "t1", rc.headers[0].Get("X-Crmflow-Tenant"))
	assert.JSONEq(t, `{"entity_type":"contact"}`, string(rc.got[0].Payload))

	w, err := f.repo.GetWatermark(ctx, "webhook:ops", "t1")
	require.NoError(t, err)
	assert.Equal(t, rc.got[1].ID, w.LastSeq)

	res, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hooks[0].Delivered)
	assert.Len(t, rc.types(), 2)
}

func TestDispatchKeepsCursorOnFailure(t *testing.T) {
	f := newFixture(t)
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()
	d := Dispatcher{
		Store:  f.repo,
		Hooks:  []Hook{{Name: "audit", URL: srv.URL, Events: []string{events.ProposalRejected}}},
		Client: srv.Client(),
		Logger: quiet(),
	}
	ctx := context.Background()
	_, err := d.Run(ctx)
	require.NoError(t, err)

	f.emit(t, events.ProposalCreated, "t1", "p1")
	f.emit(t, events.ProposalRejected, "t1", "p1")

	rc.setFail(true)
	res, err := d.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Equal(t, 1, res.Hooks[0].Filtered)
	assert.Equal(t, 0, res.Hooks[0].Delivered)

	rc.setFail(false)
	res, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hooks[0].Delivered)
	assert.Equal(t, []string{events.ProposalRejected}, rc.types())
}

func TestDisabledHooksAreSkipped(t *testing.T) {
	f := newFixture(t)
	off := false
	d := Dispatcher{Store: f.repo, Logger: quiet(), Hooks: []Hook{
		{Name: "off", URL: "http://127.0.0.1:1", Enabled: &off},
		{Name: "blank"},
	}}
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Hooks)
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" ", ""}).match("anything"))
	f := newEventFilter([]string{" proposal.failed "})
	assert.True(t, f.match("proposal.failed"))
	assert.False(t, f.match("proposal.executed"))
}
