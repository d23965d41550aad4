package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/resource/resourcetest"
	"github.com/fidde/cube_planner/internal/resource/sqlite"
)

// setupTestStore creates a temporary SQLite database for testing
func setupTestStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlite.New(sqlite.DefaultConfig(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestStore(t *testing.T) {
	store, _ := setupTestStore(t)
	resourcetest.Run(t, store)
}

func TestStore_Reopen(t *testing.T) {
	store, dbPath := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutResource(ctx, "/cube_statistics/sales/s1.seq", []byte{1, 2, 3}, 42))
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(sqlite.DefaultConfig(dbPath))
	require.NoError(t, err)
	defer reopened.Close()

	data, ts, err := resource.ReadAll(ctx, reopened, "/cube_statistics/sales/s1.seq")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
	require.Equal(t, int64(42), ts)
}
