package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
)

func newManager() (*Manager, *resource.MemoryStore) {
	store := resource.NewMemoryStore("ambient")
	return NewManager(store, logging.New(slog.LevelError, "text")), store
}

func seed(t *testing.T, store *resource.MemoryStore, table string, grid resource.Grid) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, store.DefaultResource(), table, -1))
	require.NoError(t, store.WriteRows(ctx, store.DefaultResource(), table, 0, grid))
}

func TestOpenCreatesMissingTableForEveryMode(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []models.WriteMode{
		models.ModeClearAndReuse, models.ModeAppend, models.ModeRecreate, models.ModeCopyFormat,
	} {
		t.Run(string(mode), func(t *testing.T) {
			m, store := newManager()
			prior, err := m.Open(ctx, store.DefaultResource(), "dest", mode)
			require.NoError(t, err)
			assert.Zero(t, prior)

			exists, err := store.TableExists(ctx, store.DefaultResource(), "dest")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestOpenClearAndReuseWipesInPlace(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()
	seed(t, store, "dest", resource.Grid{{"h"}, {"old"}})

	prior, err := m.Open(ctx, store.DefaultResource(), "dest", models.ModeClearAndReuse)
	require.NoError(t, err)
	assert.Zero(t, prior)

	rows, _, err := store.Dims(ctx, store.DefaultResource(), "dest")
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestOpenUnknownModeDefaultsToClear(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()
	seed(t, store, "dest", resource.Grid{{"h"}, {"old"}})

	_, err := m.Open(ctx, store.DefaultResource(), "dest", models.WriteMode("mystery"))
	require.NoError(t, err)

	rows, _, err := store.Dims(ctx, store.DefaultResource(), "dest")
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestOpenAppendLeavesContentAndReportsPriorRows(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()
	seed(t, store, "dest", resource.Grid{{"h"}, {"r1"}, {"r2"}})

	prior, err := m.Open(ctx, store.DefaultResource(), "dest", models.ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, 3, prior)

	rows, _, err := store.Dims(ctx, store.DefaultResource(), "dest")
	require.NoError(t, err)
	assert.Equal(t, 3, rows)
}

func TestOpenRecreateKeepsPosition(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()
	res := store.DefaultResource()

	require.NoError(t, store.CreateTable(ctx, res, "first", -1))
	seed(t, store, "dest", resource.Grid{{"h"}, {"old"}})
	require.NoError(t, store.CreateTable(ctx, res, "last", -1))

	_, err := m.Open(ctx, res, "dest", models.ModeRecreate)
	require.NoError(t, err)

	pos, err := store.TablePosition(ctx, res, "dest")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	rows, _, err := store.Dims(ctx, res, "dest")
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestReplaceResourcePromotes(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()

	origID, err := store.CreateResource(ctx, "control")
	require.NoError(t, err)
	require.NoError(t, store.CreateTable(ctx, origID, "log", -1))

	newID, err := m.ReplaceResource(ctx, "control", func(ctx context.Context, resourceID string) error {
		if err := store.CreateTable(ctx, resourceID, "log", -1); err != nil {
			return err
		}
		return store.WriteRows(ctx, resourceID, "log", 0, resource.Grid{{"fresh"}})
	})
	require.NoError(t, err)
	assert.NotEqual(t, origID, newID)

	// The target name resolves to the populated replacement.
	resolved, err := store.FindResourceByName(ctx, "control")
	require.NoError(t, err)
	assert.Equal(t, newID, resolved)

	grid, err := store.ReadGrid(ctx, resolved, "log")
	require.NoError(t, err)
	assert.Equal(t, resource.Grid{{"fresh"}}, grid)

	// The old resource is gone.
	exists, err := store.ResourceExists(ctx, origID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceResourcePopulateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()

	origID, err := store.CreateResource(ctx, "control")
	require.NoError(t, err)
	require.NoError(t, store.CreateTable(ctx, origID, "log", -1))
	require.NoError(t, store.WriteRows(ctx, origID, "log", 0, resource.Grid{{"original"}}))

	_, err = m.ReplaceResource(ctx, "control", func(ctx context.Context, resourceID string) error {
		return errors.New("populate exploded")
	})
	require.Error(t, err)
	var sysErr *models.SystemError
	assert.ErrorAs(t, err, &sysErr)

	// The target name still resolves, and never to a half-built staging
	// resource.
	resolved, err := store.FindResourceByName(ctx, "control")
	require.NoError(t, err)

	grid, err := store.ReadGrid(ctx, resolved, "log")
	require.NoError(t, err)
	assert.Equal(t, resource.Grid{{"original"}}, grid)
}

func TestReplaceResourceWithoutExistingTarget(t *testing.T) {
	ctx := context.Background()
	m, store := newManager()

	newID, err := m.ReplaceResource(ctx, "brand-new", func(ctx context.Context, resourceID string) error {
		return store.CreateTable(ctx, resourceID, "log", -1)
	})
	require.NoError(t, err)

	resolved, err := store.FindResourceByName(ctx, "brand-new")
	require.NoError(t, err)
	assert.Equal(t, newID, resolved)
}
