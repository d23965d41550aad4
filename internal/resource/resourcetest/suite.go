// Package resourcetest holds the behaviour every resource.Store backend
// must share.
package resourcetest

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/pkg/models"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s resource.Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.GetResource(ctx, "/cube_statistics/missing.seq")
		require.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)

		ok, err := s.Exists(ctx, "/cube_statistics/missing.seq")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.PutResource(ctx, "/cube_statistics/sales/a.seq", []byte("first"), 1000))

		data, ts, err := resource.ReadAll(ctx, s, "/cube_statistics/sales/a.seq")
		require.NoError(t, err)
		require.Equal(t, []byte("first"), data)
		require.Equal(t, int64(1000), ts)

		ok, err := s.Exists(ctx, "/cube_statistics/sales/a.seq")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.PutResource(ctx, "/cube_statistics/sales/a.seq", []byte("second"), 2000))

		data, ts, err := resource.ReadAll(ctx, s, "/cube_statistics/sales/a.seq")
		require.NoError(t, err)
		require.Equal(t, []byte("second"), data)
		require.Equal(t, int64(2000), ts)
	})

	t.Run("Empty", func(t *testing.T) {
		require.NoError(t, s.PutResource(ctx, "/dict/empty", nil, 3000))
		data, _, err := resource.ReadAll(ctx, s, "/dict/empty")
		require.NoError(t, err)
		require.Empty(t, data)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.PutResource(ctx, "/cube_statistics/sales/b.seq", []byte("b"), 1))
		require.NoError(t, s.PutResource(ctx, "/cube_statistics/returns/c.seq", []byte("c"), 1))

		paths, err := s.List(ctx, "/cube_statistics/sales/")
		require.NoError(t, err)
		require.Equal(t, []string{"/cube_statistics/sales/a.seq", "/cube_statistics/sales/b.seq"}, paths)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "/cube_statistics/sales/b.seq"))
		require.NoError(t, s.Delete(ctx, "/cube_statistics/sales/b.seq"))

		_, err := s.GetResource(ctx, "/cube_statistics/sales/b.seq")
		require.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		err := s.PutResource(ctx, "../etc/passwd", []byte("x"), 1)
		require.True(t, errors.Is(err, models.ErrInvalidResourcePath), "got %v", err)
	})
}
