package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SourceMethod identifies where a rule reads its data from.
type SourceMethod string

const (
	MethodMessage     SourceMethod = "message"
	MethodRemoteTable SourceMethod = "remote-table"
	MethodPush        SourceMethod = "push"
)

// WriteMode governs how existing destination content is treated.
type WriteMode string

const (
	ModeClearAndReuse WriteMode = "clear-and-reuse"
	ModeAppend        WriteMode = "append"
	ModeRecreate      WriteMode = "recreate"
	ModeCopyFormat    WriteMode = "copy-format"
)

// ParseWriteMode maps a raw mode string to a WriteMode. Unrecognized values
// fall back to clear-and-reuse rather than failing the rule.
func ParseWriteMode(s string) WriteMode {
	switch WriteMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAppend:
		return ModeAppend
	case ModeRecreate:
		return ModeRecreate
	case ModeCopyFormat:
		return ModeCopyFormat
	default:
		return ModeClearAndReuse
	}
}

// RunStatus is the persisted outcome of a rule's last execution.
type RunStatus struct {
	Timestamp time.Time
	Result    string
	Message   string
}

// IngestRule is one row of the rule configuration table.
type IngestRule struct {
	ID     string
	Active bool
	Method SourceMethod

	// Message source
	Query           string
	AttachmentRegex string
	Delimiter       string
	RequireData     bool

	// Remote-table source
	SourceResource string
	SourceTable    string

	// Destination
	DestResource string
	DestTable    string
	Mode         WriteMode

	NotifyRecipients []string
	LastRun          RunStatus

	// RowIndex is the rule's position in the config grid, used for
	// status write-back.
	RowIndex int
}

var attachmentRegexCache = map[string]*regexp.Regexp{}

// Validate checks that the method-specific source and destination fields
// are present and well-formed. It performs no I/O.
func (r *IngestRule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "rule id is required"}
	}
	if r.DestTable == "" {
		return &ValidationError{Field: "destination_table", Reason: "destination table name is required"}
	}

	switch r.Method {
	case MethodMessage:
		if r.Query == "" {
			return &ValidationError{Field: "query", Reason: "message rules require a search query"}
		}
		if r.AttachmentRegex == "" {
			return &ValidationError{Field: "attachment_pattern", Reason: "message rules require an attachment name pattern"}
		}
		if _, err := r.CompileAttachmentRegex(); err != nil {
			return &ValidationError{Field: "attachment_pattern", Reason: fmt.Sprintf("invalid pattern: %v", err)}
		}
	case MethodRemoteTable:
		if r.SourceResource == "" {
			return &ValidationError{Field: "source_resource", Reason: "remote-table rules require a source resource id or URL"}
		}
		if r.SourceTable == "" {
			return &ValidationError{Field: "source_table", Reason: "remote-table rules require a source table name"}
		}
	case MethodPush:
		if r.SourceTable == "" {
			return &ValidationError{Field: "source_table", Reason: "push rules require a source table name"}
		}
	default:
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("unknown source method %q", r.Method)}
	}

	if r.Method != MethodRemoteTable && r.Mode == ModeCopyFormat {
		return &ValidationError{Field: "mode", Reason: "copy-format is only valid for remote-table rules"}
	}

	return nil
}

// CompileAttachmentRegex returns the compiled attachment name pattern,
// caching compiled patterns across rules.
func (r *IngestRule) CompileAttachmentRegex() (*regexp.Regexp, error) {
	if re, ok := attachmentRegexCache[r.AttachmentRegex]; ok {
		return re, nil
	}
	re, err := regexp.Compile(r.AttachmentRegex)
	if err != nil {
		return nil, err
	}
	attachmentRegexCache[r.AttachmentRegex] = re
	return re, nil
}
