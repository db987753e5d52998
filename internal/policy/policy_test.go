package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/events"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
)

func newStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "policy.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return Store{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn, Now: now},
		Now:    now,
		Types: func() []domain.EntityType {
			return []domain.EntityType{domain.EntityContact, domain.EntityNote}
		},
	}
}

func TestGetDefaultsToRequiringApproval(t *testing.T) {
	s := newStore(t)
	ok, err := s.Get(context.Background(), "t1", domain.EntityContact)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetLastWriteWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "t1", domain.EntityNote, false, "alice")
	require.NoError(t, err)
	_, err = s.Set(ctx, "t1", domain.EntityNote, true, "bob")
	require.NoError(t, err)
	_, err = s.Set(ctx, "t1", domain.EntityNote, false, "carol")
	require.NoError(t, err)

	ok, err := s.Get(ctx, "t1", domain.EntityNote)
	require.NoError(t, err)
	assert.False(t, ok)

	// tenants are isolated
	ok, err = s.Get(ctx, "t2", domain.EntityNote)
	require.NoError(t, err)
	assert.True(t, ok)

	evts, err := s.Repo.LatestEvents(ctx, repo.EventFilter{TenantID: "t1", Type: events.ApprovalConfigUpdated})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "carol", evts[0].ActorID)
}

func TestListIncludesDefaults(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Set(ctx, "t1", domain.EntityNote, false, "alice")
	require.NoError(t, err)

	list, err := s.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.EntityContact, list[0].EntityType)
	assert.True(t, list[0].RequiresApproval)
	assert.Equal(t, domain.EntityNote, list[1].EntityType)
	assert.False(t, list[1].RequiresApproval)
}
