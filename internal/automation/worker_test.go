package automation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/crm"
	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/migrate"
	"crmflow/internal/mutator"
	"crmflow/internal/policy"
	"crmflow/internal/provider"
	"crmflow/internal/repo"
)

type fakeDiscoverer map[string][]provider.Candidate

func (f fakeDiscoverer) Discover(ctx context.Context, q provider.Query) ([]provider.Candidate, error) {
	if q.Query == "broken" {
		return nil, &provider.Error{Provider: "search", StatusCode: 502, Err: errors.New("bad gateway")}
	}
	return f[q.Query], nil
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "automation.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	reg, err := mutator.Default(crm.Services(conn, nil))
	require.NoError(t, err)
	pol := policy.Store{DB: conn, Repo: repo.Repo{DB: conn}, Types: reg.Types}
	return engine.New(conn, reg, pol, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunCreatesProposalsAndCountsErrors(t *testing.T) {
	eng := newEngine(t)
	w := Worker{
		Discoverer: fakeDiscoverer{
			"robotics": {
				{Fields: map[string]any{"company": "Acme", "site": "https://acme.test"}},
				{Fields: map[string]any{"company": "Globex"}},
			},
			"contacts": {
				{Fields: map[string]any{"first_name": "Jane"}},
			},
		},
		Proposer: eng,
		Dedupe:   eng.Repo,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg := domain.AutomationConfig{
		Name:     "weekly-orgs",
		TenantID: "t1",
		Enabled:  true,
		Targets: []domain.AutomationTarget{
			{
				EntityType: domain.EntityOrganization,
				Query:      "robotics",
				FieldMap:   map[string]string{"company": "name", "site": "website"},
				Defaults:   map[string]any{"industry": "Robotics"},
			},
			{EntityType: domain.EntityContact, Query: "contacts"},
			{EntityType: domain.EntityNote, Query: "broken"},
			{EntityType: "spaceship", Query: "robotics"},
		},
	}
	sum, err := w.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, 3, sum.Created)
	assert.Equal(t, 0, sum.Skipped)
	// broken discovery and the two unknown entity type proposals
	assert.Equal(t, 3, sum.Errors)

	page, err := eng.List(context.Background(), "t1", engine.ListOptions{SortDirection: "asc"})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	first := page.Items[0]
	require.NotNil(t, first.Source)
	assert.Equal(t, "weekly-orgs", *first.Source)
	assert.Equal(t, domain.Payload{"name": "Acme", "website": "https://acme.test", "industry": "Robotics"}, first.Payload)
	// invalid candidates still become proposals, flagged for review
	assert.Len(t, page.Items[2].ValidationErrors, 1)

	// a second run finds the same candidates still pending
	sum, err = w.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Created)
	assert.Equal(t, 3, sum.Skipped)
}

func TestRunDisabledConfig(t *testing.T) {
	w := Worker{Discoverer: fakeDiscoverer{}, Proposer: newEngine(t)}
	sum, err := w.Run(context.Background(), domain.AutomationConfig{Name: "off"})
	require.NoError(t, err)
	assert.Equal(t, Summary{Config: "off"}, sum)
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := newEngine(t)
	w := Worker{
		Discoverer: fakeDiscoverer{"q": {{Fields: map[string]any{"content": "x"}}}},
		Proposer:   eng,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Run(ctx, domain.AutomationConfig{Name: "c", TenantID: "t1", Enabled: true,
		Targets: []domain.AutomationTarget{{EntityType: domain.EntityNote, Query: "q"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMapFields(t *testing.T) {
	got := MapFields(map[string]any{"a": 1, "b": 2}, map[string]string{"a": "x"}, map[string]any{"x": 9, "y": 3})
	assert.Equal(t, domain.Payload{"x": 1, "y": 3}, got)
	got = MapFields(map[string]any{"a": 1}, nil, nil)
	assert.Equal(t, domain.Payload{"a": 1}, got)
}
