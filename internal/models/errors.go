package models

import (
	"errors"
	"fmt"
)

// ErrNoData marks a non-fatal "no source data" outcome for rules that do
// not require data on every run.
var ErrNoData = errors.New("no source data matched")

// ValidationError reports bad rule configuration. It is fatal to the rule
// and surfaced before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule configuration: %s: %s", e.Field, e.Reason)
}

// VerificationError reports a post-write mismatch. Always fatal to the
// rule, never silently ignored.
type VerificationError struct {
	Record *VerificationRecord
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s", e.Record.Details)
}

// SystemError reports a destination-resource lifecycle failure, such as a
// table that cannot be created or renamed.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("resource lifecycle failure during %s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }
