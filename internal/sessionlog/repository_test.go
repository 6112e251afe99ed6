package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/models"
)

func TestMemoryRepositoryAppendAndFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendLog(ctx, &models.LogEntry{
			SessionID: "s1",
			Timestamp: time.Now().UTC(),
			RuleID:    fmt.Sprintf("rule-%d", i),
			Event:     models.EventInfo,
			Message:   "hello",
		}))
	}
	require.NoError(t, repo.AppendLog(ctx, &models.LogEntry{SessionID: "s2", Event: models.EventStart}))

	entries, err := repo.SessionEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	count, err := repo.CountLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestTrimLogsOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i := 0; i < 10; i++ {
		require.NoError(t, repo.AppendLog(ctx, &models.LogEntry{
			SessionID: "s1",
			RuleID:    fmt.Sprintf("rule-%d", i),
			Event:     models.EventInfo,
		}))
	}

	trimmed, err := repo.TrimLogs(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, trimmed)

	entries, err := repo.SessionEntries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	// The oldest entries went first.
	assert.Equal(t, "rule-6", entries[0].RuleID)
	assert.Equal(t, "rule-9", entries[3].RuleID)

	// Under the cap nothing is removed.
	trimmed, err = repo.TrimLogs(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, trimmed)
}

func TestRecorderTruncatesMessages(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	rec := NewRecorder(repo, logging.New(slog.LevelError, "text"), "sess")

	long := ""
	for len(long) < 2*statusMessageLimit {
		long += "abcdefgh"
	}
	rec.Event(ctx, "r1", models.EventError, long)

	entries, err := repo.SessionEntries(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Message, statusMessageLimit)
	assert.Equal(t, "...", entries[0].Message[statusMessageLimit-3:])
}

func TestRecorderSinksAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	rec := NewRecorder(repo, logging.New(slog.LevelError, "text"), "sess")

	rec.Verification(ctx, &models.VerificationRecord{
		SessionID: "sess", RuleID: "r1",
		RowsMatch: models.MatchYes, ColumnsMatch: models.MatchYes, SamplesMatch: models.MatchNA,
		Status: models.VerifyComplete,
	})
	rec.Diagnostic(ctx, &models.DiagnosticRecord{
		SessionID: "sess", RuleID: "r1", Position: "R5", Column: "C2",
	})

	require.Len(t, repo.Verifications(), 1)
	require.Len(t, repo.Diagnostics(), 1)
	assert.Equal(t, models.VerifyComplete, repo.Verifications()[0].Status)
	assert.Equal(t, "R5", repo.Diagnostics()[0].Position)
}
