package processor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tablesync/internal/lifecycle"
	"github.com/telhawk-systems/tablesync/internal/locator"
	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/mailstore"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
	"github.com/telhawk-systems/tablesync/internal/retry"
	"github.com/telhawk-systems/tablesync/internal/sessionlog"
	"github.com/telhawk-systems/tablesync/internal/tracker"
	"github.com/telhawk-systems/tablesync/internal/verify"
)

type harness struct {
	store *resource.MemoryStore
	repo  *sessionlog.MemoryRepository
	track *tracker.Tracker
	pipe  *Pipeline
}

func newHarness(t *testing.T, track *tracker.Tracker, extra ...Source) *harness {
	t.Helper()
	store := resource.NewMemoryStore("ambient")
	repo := sessionlog.NewMemoryRepository()
	log := logging.New(slog.LevelError, "text")
	rec := sessionlog.NewRecorder(repo, log, "sess-1")
	loc := locator.New(store.DefaultResource())
	if track == nil {
		track = tracker.New(nil, time.Hour)
	}

	sources := append([]Source{
		NewPushSource(store),
		NewRemoteSource(store, loc),
	}, extra...)

	pipe := NewPipeline(PipelineConfig{
		Store:     store,
		Locator:   loc,
		Lifecycle: lifecycle.NewManager(store, log),
		Retry:     retry.New(3, time.Millisecond, 10*time.Millisecond, retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
		Tracker:   track,
		Recorder:  rec,
		Verifier:  verify.NewEngine(store, verify.Config{CheckRows: true, CheckColumns: true, CheckSamples: true, Seed: 7}),
		Log:       log,
		BatchSize: 2,
	}, sources...)

	return &harness{store: store, repo: repo, track: track, pipe: pipe}
}

func seedTable(t *testing.T, store *resource.MemoryStore, table string, grid resource.Grid) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, store.DefaultResource(), table, -1))
	if len(grid) > 0 {
		require.NoError(t, store.WriteRows(ctx, store.DefaultResource(), table, 0, grid))
	}
}

func TestExecutePushClearAndReuse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	seedTable(t, h.store, "inbox", resource.Grid{
		{"name", "count"},
		{"alpha", "1"},
		{"beta", "2"},
		{"gamma", "3"},
	})
	seedTable(t, h.store, "dest", resource.Grid{{"stale"}, {"stale"}})

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "inbox", DestTable: "dest",
		Mode: models.ModeClearAndReuse,
	})

	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Equal(t, 4, out.Rows)

	grid, err := h.store.ReadGrid(ctx, h.store.DefaultResource(), "dest")
	require.NoError(t, err)
	require.Len(t, grid, 4)
	assert.Equal(t, []resource.Value{"name", "count"}, grid[0])
	assert.Equal(t, []resource.Value{"gamma", "3"}, grid[3])

	require.Len(t, h.repo.Verifications(), 1)
	rec := h.repo.Verifications()[0]
	assert.Equal(t, models.VerifyComplete, rec.Status)
	assert.True(t, rec.Passed())
}

func TestExecuteAppendSkipsHeaderOnNonEmptyDest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	seedTable(t, h.store, "dest", resource.Grid{{"h"}, {"old1"}, {"old2"}})
	seedTable(t, h.store, "inbox", resource.Grid{{"h"}, {"new1"}, {"new2"}})

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "inbox", DestTable: "dest",
		Mode: models.ModeAppend,
	})

	require.Equal(t, models.ResultSuccess, out.Result)
	assert.Equal(t, 2, out.Rows)

	grid, err := h.store.ReadGrid(ctx, h.store.DefaultResource(), "dest")
	require.NoError(t, err)
	require.Len(t, grid, 5)
	assert.Equal(t, []resource.Value{"new1"}, grid[3])
	assert.Equal(t, []resource.Value{"new2"}, grid[4])
}

func TestExecuteAppendToEmptyDestKeepsHeader(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	seedTable(t, h.store, "inbox", resource.Grid{{"h"}, {"new1"}})

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "inbox", DestTable: "dest",
		Mode: models.ModeAppend,
	})
	require.Equal(t, models.ResultSuccess, out.Result)

	grid, err := h.store.ReadGrid(ctx, h.store.DefaultResource(), "dest")
	require.NoError(t, err)
	require.Len(t, grid, 2)
	assert.Equal(t, []resource.Value{"h"}, grid[0])
}

func TestExecuteNoDataIsNonFatalByDefault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "missing", DestTable: "dest",
		Mode: models.ModeClearAndReuse,
	})
	assert.Equal(t, models.ResultNoData, out.Result)

	entries, err := h.repo.SessionEntries(ctx, "sess-1")
	require.NoError(t, err)
	var sawNoData bool
	for _, e := range entries {
		if e.Event == models.EventNoData {
			sawNoData = true
		}
	}
	assert.True(t, sawNoData)
}

func TestExecuteNoDataFatalWhenRequired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "missing", DestTable: "dest",
		Mode: models.ModeClearAndReuse, RequireData: true,
	})
	assert.Equal(t, models.ResultError, out.Result)
	assert.Contains(t, out.Message, "requires it")
}

func TestExecuteInvalidRuleFailsBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodMessage, DestTable: "dest",
	})
	assert.Equal(t, models.ResultError, out.Result)
	assert.Contains(t, out.Message, "invalid rule configuration")
}

func TestExecuteMessageRulePicksNewestMatchingAttachment(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/threads/search":
			w.Write([]byte(`{"threads": [
				{"id": "t1", "last_activity": "2026-03-02T08:00:00Z", "messages": [
					{"id": "m-old", "received_at": "2026-03-01T08:00:00Z",
					 "attachments": [{"id": "a-old", "name": "export_0301.csv"}]},
					{"id": "m-new", "received_at": "2026-03-02T08:00:00Z",
					 "attachments": [{"id": "a-skip", "name": "notes.txt"},
					                 {"id": "a-new", "name": "export_0302.csv"}]}
				]}
			]}`))
		case "/api/v1/attachments/a-new":
			w.Write([]byte("name,count\nalpha,1\nbeta,2\n"))
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := newHarness(t, nil, NewMessageSource(mailstore.NewClient(srv.URL, "tok")))

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodMessage,
		Query: "subject:export", AttachmentRegex: `export_\d+\.csv`,
		DestTable: "dest", Mode: models.ModeClearAndReuse,
	})

	require.Equal(t, models.ResultSuccess, out.Result, out.Message)
	assert.Equal(t, 3, out.Rows)

	grid, err := h.store.ReadGrid(ctx, h.store.DefaultResource(), "dest")
	require.NoError(t, err)
	require.Len(t, grid, 3)
	assert.Equal(t, []resource.Value{"beta", "2"}, grid[2])
}

func TestExecuteRemoteTableRule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	srcID, err := h.store.CreateResource(ctx, "partner-feed")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTable(ctx, srcID, "data", -1))
	require.NoError(t, h.store.WriteRows(ctx, srcID, "data", 0, resource.Grid{{"h"}, {"v1"}}))

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodRemoteTable,
		SourceResource: "partner-feed", SourceTable: "data",
		DestTable: "dest", Mode: models.ModeClearAndReuse,
	})
	require.Equal(t, models.ResultSuccess, out.Result, out.Message)
	assert.Equal(t, 2, out.Rows)
}

func TestExecuteCopyFormatVerifiesDimensionsOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	srcID, err := h.store.CreateResource(ctx, "partner-feed")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTable(ctx, srcID, "data", -1))
	require.NoError(t, h.store.WriteRows(ctx, srcID, "data", 0, resource.Grid{{"h", "x"}, {"v1", "v2"}}))

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodRemoteTable,
		SourceResource: "partner-feed", SourceTable: "data",
		DestTable: "dest", Mode: models.ModeCopyFormat,
	})
	require.Equal(t, models.ResultSuccess, out.Result, out.Message)

	grid, err := h.store.ReadGrid(ctx, h.store.DefaultResource(), "dest")
	require.NoError(t, err)
	assert.Len(t, grid, 2)

	require.Len(t, h.repo.Verifications(), 1)
	rec := h.repo.Verifications()[0]
	assert.Equal(t, models.MatchYes, rec.RowsMatch)
	assert.Equal(t, models.MatchYes, rec.ColumnsMatch)
	assert.Equal(t, models.MatchNA, rec.SamplesMatch)
	assert.Empty(t, rec.ContentHash)
}

func TestExecuteRetriesTransientFetch(t *testing.T) {
	ctx := context.Background()

	flaky := &flakySource{failures: 2, grid: resource.Grid{{"h"}, {"v"}}}
	h := newHarness(t, nil, flaky)

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodMessage,
		Query: "q", AttachmentRegex: ".*",
		DestTable: "dest", Mode: models.ModeClearAndReuse,
	})
	require.Equal(t, models.ResultSuccess, out.Result, out.Message)
	assert.Equal(t, 3, flaky.calls)
}

func TestExecuteCancelledBetweenBatches(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	track := tracker.New(rdb, time.Hour)

	h := newHarness(t, track)
	require.NoError(t, track.Start(ctx, "sess-1"))
	require.NoError(t, track.Cancel(ctx, "sess-1"))

	seedTable(t, h.store, "inbox", resource.Grid{{"h"}, {"a"}, {"b"}, {"c"}})

	out := h.pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "inbox", DestTable: "dest",
		Mode: models.ModeClearAndReuse,
	})
	assert.Equal(t, models.ResultCancelled, out.Result)
	assert.Zero(t, out.Rows)
}

func newPipelineOver(t *testing.T, store resource.Store, repo *sessionlog.MemoryRepository) *Pipeline {
	t.Helper()
	log := logging.New(slog.LevelError, "text")
	return NewPipeline(PipelineConfig{
		Store:     store,
		Locator:   locator.New(store.DefaultResource()),
		Lifecycle: lifecycle.NewManager(store, log),
		Retry:     retry.New(2, time.Millisecond, 5*time.Millisecond, retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
		Tracker:   tracker.New(nil, time.Hour),
		Recorder:  sessionlog.NewRecorder(repo, log, "sess-1"),
		Verifier:  verify.NewEngine(store, verify.Config{CheckRows: true, CheckColumns: true, CheckSamples: true, Seed: 7}),
		Log:       log,
		BatchSize: 100,
	}, NewPushSource(store))
}

// readTamperStore corrupts one destination cell on read-back, so a write
// that succeeded still fails its sample comparison.
type readTamperStore struct {
	*resource.MemoryStore
}

func (s *readTamperStore) ReadRow(ctx context.Context, resourceID, table string, row int) ([]resource.Value, error) {
	r, err := s.MemoryStore.ReadRow(ctx, resourceID, table, row)
	if err == nil && table == "dest" && row == 1 && len(r) > 0 {
		r[0] = "tampered"
	}
	return r, err
}

func TestExecuteSampleMismatchFailsRule(t *testing.T) {
	ctx := context.Background()
	store := &readTamperStore{MemoryStore: resource.NewMemoryStore("ambient")}
	repo := sessionlog.NewMemoryRepository()
	pipe := newPipelineOver(t, store, repo)

	seedTable(t, store.MemoryStore, "inbox", resource.Grid{{"name"}, {"alpha"}})

	out := pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "inbox", DestTable: "dest",
		Mode: models.ModeClearAndReuse,
	})

	assert.Equal(t, models.ResultError, out.Result)
	assert.Contains(t, out.Message, "verification failed")

	require.Len(t, repo.Verifications(), 1)
	rec := repo.Verifications()[0]
	assert.Equal(t, models.MatchNo, rec.SamplesMatch)
	assert.Equal(t, models.VerifyError, rec.Status)

	require.Len(t, repo.Diagnostics(), 1)
	assert.Equal(t, "alpha", repo.Diagnostics()[0].SourceRaw)
	assert.Equal(t, "tampered", repo.Diagnostics()[0].DestRaw)
}

// narrowDimsStore reports one destination column fewer than present, the
// shape of a destination that silently dropped a column.
type narrowDimsStore struct {
	*resource.MemoryStore
}

func (s *narrowDimsStore) Dims(ctx context.Context, resourceID, table string) (int, int, error) {
	rows, cols, err := s.MemoryStore.Dims(ctx, resourceID, table)
	if err == nil && table == "dest" && cols > 0 {
		cols--
	}
	return rows, cols, err
}

func TestExecuteColumnDeficitFailsRule(t *testing.T) {
	ctx := context.Background()
	store := &narrowDimsStore{MemoryStore: resource.NewMemoryStore("ambient")}
	repo := sessionlog.NewMemoryRepository()
	pipe := newPipelineOver(t, store, repo)

	seedTable(t, store.MemoryStore, "inbox", resource.Grid{{"a", "b"}, {"1", "2"}})

	out := pipe.Execute(ctx, &models.IngestRule{
		ID: "r1", Method: models.MethodPush,
		SourceTable: "inbox", DestTable: "dest",
		Mode: models.ModeClearAndReuse,
	})

	assert.Equal(t, models.ResultError, out.Result)
	assert.Contains(t, out.Message, "verification failed")

	require.Len(t, repo.Verifications(), 1)
	rec := repo.Verifications()[0]
	assert.Equal(t, models.MatchNo, rec.ColumnsMatch)
	assert.Equal(t, models.VerifyError, rec.Status)
}

// flakySource fails with a transient error a fixed number of times before
// succeeding, registered under the message method to displace the default.
type flakySource struct {
	failures int
	calls    int
	grid     resource.Grid
}

func (f *flakySource) Method() models.SourceMethod { return models.MethodMessage }

func (f *flakySource) Fetch(ctx context.Context, rule *models.IngestRule) (resource.Grid, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("upstream timeout, please retry")
	}
	return f.grid, nil
}
