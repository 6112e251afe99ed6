package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a session log entry.
type EventType string

const (
	EventStart     EventType = "START"
	EventInfo      EventType = "INFO"
	EventSuccess   EventType = "SUCCESS"
	EventWarning   EventType = "WARNING"
	EventError     EventType = "ERROR"
	EventSkipped   EventType = "SKIPPED"
	EventNoData    EventType = "NO_DATA"
	EventCancelled EventType = "CANCELLED"
)

// OutcomeResult is the aggregate result of one rule within a session.
type OutcomeResult string

const (
	ResultSuccess   OutcomeResult = "success"
	ResultError     OutcomeResult = "error"
	ResultNoData    OutcomeResult = "no-data"
	ResultSkipped   OutcomeResult = "skipped"
	ResultCancelled OutcomeResult = "cancelled"
)

// Session identifies one end-to-end execution of all active rules.
// It is immutable once the run completes.
type Session struct {
	ID        string
	StartTime time.Time
	Outcomes  []RuleOutcome
}

// NewSession creates a session with a time-ordered random id. An explicit
// id (from a resumed or externally tracked run) wins over generation.
func NewSession(id string) *Session {
	if id == "" {
		u, _ := uuid.NewV7()
		id = u.String()
	}
	return &Session{ID: id, StartTime: time.Now().UTC()}
}

// RuleOutcome is the per-rule result recorded on the session.
type RuleOutcome struct {
	RuleID   string
	Result   OutcomeResult
	Message  string
	Rows     int
	Duration time.Duration
}

// LogEntry is one append-only, session-correlated log event.
type LogEntry struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	RuleID    string
	Event     EventType
	Message   string
	Rows      int
	Duration  time.Duration
}

// MatchFlag is a three-valued verification check result.
type MatchFlag string

const (
	MatchYes MatchFlag = "YES"
	MatchNo  MatchFlag = "NO"
	MatchNA  MatchFlag = "N/A"
)

// VerificationStatus is the overall outcome of a verification pass.
type VerificationStatus string

const (
	VerifyComplete VerificationStatus = "COMPLETE"
	VerifyError    VerificationStatus = "ERROR"
)

// VerificationRecord is the write-once evidence record for one rule
// execution that performed a write.
type VerificationRecord struct {
	SessionID    string
	RuleID       string
	SourceType   string
	SourceRef    string
	DestRef      string
	SourceRows   int
	SourceCols   int
	DestRows     int
	DestCols     int
	RowsMatch    MatchFlag
	ColumnsMatch MatchFlag
	SamplesMatch MatchFlag
	ContentHash  string
	Status       VerificationStatus
	Details      string
	CreatedAt    time.Time
}

// Passed reports whether no enabled check produced a mismatch.
func (v *VerificationRecord) Passed() bool {
	return v.RowsMatch != MatchNo && v.ColumnsMatch != MatchNo && v.SamplesMatch != MatchNo
}

// DiagnosticRecord captures both raw and normalized cell values for the
// first sample mismatch found during verification. Write-once.
type DiagnosticRecord struct {
	SessionID  string
	RuleID     string
	Position   string
	Column     string
	SourceRaw  string
	DestRaw    string
	SourceNorm string
	DestNorm   string
	Details    string
	CreatedAt  time.Time
}
