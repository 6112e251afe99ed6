package sessionlog

import (
	"context"
	"time"

	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/models"
)

// statusMessageLimit truncates messages before persistence so one noisy
// failure cannot bloat the log table.
const statusMessageLimit = 500

// Recorder fans session events out to the append-only log and the
// structured logger. Log-sink failures are reported but never fail the
// rule being logged.
type Recorder struct {
	repo      Repository
	log       *logging.Logger
	sessionID string
}

func NewRecorder(repo Repository, log *logging.Logger, sessionID string) *Recorder {
	return &Recorder{repo: repo, log: log.ForSession(sessionID), sessionID: sessionID}
}

// SessionID returns the correlation id this recorder stamps on entries.
func (r *Recorder) SessionID() string { return r.sessionID }

// Event appends one log entry.
func (r *Recorder) Event(ctx context.Context, ruleID string, event models.EventType, message string) {
	r.EventMetrics(ctx, ruleID, event, message, 0, 0)
}

// EventMetrics appends one log entry carrying row and duration metrics.
func (r *Recorder) EventMetrics(ctx context.Context, ruleID string, event models.EventType, message string, rows int, duration time.Duration) {
	entry := &models.LogEntry{
		SessionID: r.sessionID,
		Timestamp: time.Now().UTC(),
		RuleID:    ruleID,
		Event:     event,
		Message:   Truncate(message),
		Rows:      rows,
		Duration:  duration,
	}

	if err := r.repo.AppendLog(ctx, entry); err != nil {
		r.log.Error("failed to append session log entry", "error", err, "event", string(event))
	}

	switch event {
	case models.EventError:
		r.log.Error(message, "rule_id", ruleID, "event", string(event))
	case models.EventWarning:
		r.log.Warn(message, "rule_id", ruleID, "event", string(event))
	default:
		r.log.Info(message, "rule_id", ruleID, "event", string(event), "rows", rows)
	}
}

// Verification appends a write-once verification record.
func (r *Recorder) Verification(ctx context.Context, rec *models.VerificationRecord) {
	if err := r.repo.AppendVerification(ctx, rec); err != nil {
		r.log.Error("failed to append verification record", "error", err, "rule_id", rec.RuleID)
	}
}

// Diagnostic appends a write-once diagnostic record.
func (r *Recorder) Diagnostic(ctx context.Context, rec *models.DiagnosticRecord) {
	if err := r.repo.AppendDiagnostic(ctx, rec); err != nil {
		r.log.Error("failed to append diagnostic record", "error", err, "rule_id", rec.RuleID)
	}
}

// Truncate bounds a status message to the persisted limit.
func Truncate(msg string) string {
	if len(msg) <= statusMessageLimit {
		return msg
	}
	return msg[:statusMessageLimit-3] + "..."
}
