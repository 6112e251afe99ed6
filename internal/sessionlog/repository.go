// Package sessionlog owns the append-only session log and the
// verification and diagnostic sinks, including retention trimming.
package sessionlog

import (
	"context"
	"sync"

	"github.com/telhawk-systems/tablesync/internal/models"
)

// Repository persists log entries and the write-once verification and
// diagnostic records. Entries are append-only; the only deletion path is
// oldest-first retention trimming.
type Repository interface {
	AppendLog(ctx context.Context, entry *models.LogEntry) error
	SessionEntries(ctx context.Context, sessionID string) ([]*models.LogEntry, error)
	CountLogs(ctx context.Context) (int, error)
	// TrimLogs deletes the oldest entries beyond max and reports how many
	// were removed.
	TrimLogs(ctx context.Context, max int) (int, error)

	AppendVerification(ctx context.Context, rec *models.VerificationRecord) error
	AppendDiagnostic(ctx context.Context, rec *models.DiagnosticRecord) error

	Close()
}

// MemoryRepository is the in-memory Repository used by tests and dry runs.
type MemoryRepository struct {
	mu            sync.RWMutex
	entries       []*models.LogEntry
	verifications []*models.VerificationRecord
	diagnostics   []*models.DiagnosticRecord
	nextID        int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	cp := *entry
	cp.ID = r.nextID
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *MemoryRepository) SessionEntries(ctx context.Context, sessionID string) ([]*models.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.LogEntry
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountLogs(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}

func (r *MemoryRepository) TrimLogs(ctx context.Context, max int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max < 0 || len(r.entries) <= max {
		return 0, nil
	}
	trimmed := len(r.entries) - max
	r.entries = append([]*models.LogEntry(nil), r.entries[trimmed:]...)
	return trimmed, nil
}

func (r *MemoryRepository) AppendVerification(ctx context.Context, rec *models.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.verifications = append(r.verifications, &cp)
	return nil
}

func (r *MemoryRepository) AppendDiagnostic(ctx context.Context, rec *models.DiagnosticRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.diagnostics = append(r.diagnostics, &cp)
	return nil
}

// Verifications returns the recorded verification records, for tests.
func (r *MemoryRepository) Verifications() []*models.VerificationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.VerificationRecord(nil), r.verifications...)
}

// Diagnostics returns the recorded diagnostic records, for tests.
func (r *MemoryRepository) Diagnostics() []*models.DiagnosticRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.DiagnosticRecord(nil), r.diagnostics...)
}

func (r *MemoryRepository) Close() {}
