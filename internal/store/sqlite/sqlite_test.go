package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
	"github.com/spigell/applink/internal/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "applink.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return openTemp(t)
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "applink.db")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	ts := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	e, err := s.Create(ctx, signal.Signal{EmailID: "m1", ThreadID: "T1", Company: "Acme", Status: signal.StatusApplied, Timestamp: ts})
	require.NoError(t, err)
	_, err = s.UpdateDisplayFields(ctx, e.ID, store.DisplayFields{Title: "Data Engineer"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, "Data Engineer", got.Title)
	require.True(t, got.CreatedAt.Equal(ts))

	next, err := reopened.Create(ctx, signal.Signal{EmailID: "m2", Timestamp: ts})
	require.NoError(t, err)
	require.Equal(t, "app-2", next.ID)
	require.Greater(t, next.UpdatedSeq, got.UpdatedSeq)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", nil)
	require.Error(t, err)
}
