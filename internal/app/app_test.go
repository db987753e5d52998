package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/config"
	"crmflow/internal/digest"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/logging"
	"crmflow/internal/mail"
	"crmflow/internal/scheduler"
)

func searchServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"fields": map[string]any{"company": "Acme Robotics", "site": "https://acme.example"}},
			{"fields": map[string]any{"company": "Globex", "site": "https://globex.example"}},
		}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, searchURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Discovery.URL = searchURL
	cfg.Scheduler.StopTimeout = 2 * time.Second
	cfg.Automations = []domain.AutomationConfig{{
		Name:     "orgs",
		TenantID: "t1",
		Enabled:  true,
		Interval: time.Hour,
		Timeout:  10 * time.Second,
		Targets: []domain.AutomationTarget{{
			EntityType: domain.EntityOrganization,
			Query:      "robotics",
			FieldMap:   map[string]string{"company": "name", "site": "website"},
		}},
	}}
	cfg.Digests = []config.DigestConfig{{
		Job:      digest.Job{Name: "daily", TenantID: "t1", Recipients: []string{"crm@example.com"}},
		Enabled:  true,
		Interval: 24 * time.Hour,
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestJobsFromConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Automations = append(cfg.Automations, domain.AutomationConfig{Name: "off", TenantID: "t1"})
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close(context.Background())

	var names []string
	for _, j := range a.Jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"orgs", "daily"}, names)
}

func TestTriggeredAutomationCreatesPendingProposals(t *testing.T) {
	cfg := testConfig(t, searchServer(t).URL)
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.Scheduler.Trigger("orgs"))
	require.Eventually(t, func() bool {
		for _, st := range a.Scheduler.Status() {
			if st.Name == "orgs" {
				return st.LastStatus == "succeeded"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	page, err := a.Engine.List(ctx, "t1", engine.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	for _, p := range page.Items {
		assert.Equal(t, domain.StatusPending, p.Status)
		require.NotNil(t, p.Source)
		assert.Equal(t, "orgs", *p.Source)
	}

	// a second run finds the same candidates still open
	sum, err := a.RunAutomation(ctx, "orgs")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)

	res, err := a.RunDigest(ctx, "daily")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, 2, res.Included)

	require.NoError(t, a.Close(ctx))
	assert.ErrorIs(t, a.Scheduler.Trigger("orgs"), scheduler.ErrStopped)
}

func TestStartReconcilesStuckProposals(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Automations = nil
	cfg.Digests = nil
	cfg.Scheduler.StaleAfter = time.Minute
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	p, err := a.Engine.Create(ctx, engine.CreateOptions{
		TenantID: "t1", EntityType: domain.EntityNote, Operation: domain.OperationCreate,
		Payload: domain.Payload{"content": "call back"},
	})
	require.NoError(t, err)
	old := domain.FormatTime(time.Now().Add(-time.Hour))
	_, err = a.DB.ExecContext(ctx, `UPDATE proposals SET status='approved', updated_at=? WHERE id=?`, old, p.ID)
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	got, err := a.Engine.Get(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "execution interrupted", *got.Error)
	require.NoError(t, a.Close(ctx))
}

func TestRunUnknownJobs(t *testing.T) {
	a, err := New(testConfig(t, "http://127.0.0.1:1"), logging.Discard())
	require.NoError(t, err)
	defer a.Close(context.Background())
	_, err = a.RunAutomation(context.Background(), "missing")
	assert.Error(t, err)
	_, err = a.RunDigest(context.Background(), "missing")
	assert.Error(t, err)
}

type blockingMailer struct {
	started chan struct{}
	release chan struct{}
	sent    atomic.Int32
}

func (m *blockingMailer) Send(ctx context.Context, msg mail.Message) error {
	m.sent.Add(1)
	m.started <- struct{}{}
	<-m.release
	return nil
}

func TestOverlappingDigestRunsSendOnce(t *testing.T) {
	a, err := New(testConfig(t, "http://127.0.0.1:1"), logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()
	defer a.Close(ctx)
	_, err = a.Engine.Create(ctx, engine.CreateOptions{
		TenantID: "t1", EntityType: domain.EntityNote, Operation: domain.OperationCreate,
		Payload: domain.Payload{"content": "follow up"},
	})
	require.NoError(t, err)

	m := &blockingMailer{started: make(chan struct{}, 1), release: make(chan struct{})}
	a.Notifier.Mailer = m

	done := make(chan error, 1)
	go func() {
		_, err := a.RunDigest(ctx, "daily")
		done <- err
	}()
	<-m.started

	_, err = a.RunDigest(ctx, "daily")
	assert.ErrorIs(t, err, scheduler.ErrAlreadyRunning)

	close(m.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), m.sent.Load())

	runs, err := a.Repo.ListJobRuns(ctx, "daily", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunSucceeded, runs[0].Status)
}
