// Package rulesource loads ingestion rules from the rule configuration
// table and writes per-rule run status back to it.
package rulesource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
	"github.com/telhawk-systems/tablesync/internal/sessionlog"
)

// Column headers the configuration table is addressed by. Rules are
// matched to columns by header name, never by position, so operators can
// reorder and add columns freely.
const (
	colRuleID         = "rule_id"
	colActive         = "active"
	colMethod         = "method"
	colQuery          = "query"
	colAttachment     = "attachment_pattern"
	colDelimiter      = "delimiter"
	colRequireData    = "require_data"
	colSourceResource = "source_resource"
	colSourceTable    = "source_table"
	colDestResource   = "destination_resource"
	colDestTable      = "destination_table"
	colWriteMode      = "write_mode"
	colNotify         = "notify"
	colLastRun        = "last_run"
	colLastResult     = "last_result"
	colLastMessage    = "last_message"
)

var requiredColumns = []string{
	colRuleID, colActive, colMethod, colDestTable, colWriteMode,
	colLastRun, colLastResult, colLastMessage,
}

// Table reads and updates the rule configuration grid.
type Table struct {
	store      resource.Store
	resourceID string
	table      string

	colIdx map[string]int
}

func NewTable(store resource.Store, resourceID, table string) *Table {
	if resourceID == "" {
		resourceID = store.DefaultResource()
	}
	return &Table{store: store, resourceID: resourceID, table: table}
}

// Load reads every rule row, active or not. RowIndex records each rule's
// grid position for status write-back. Rows without a rule id are
// skipped; a malformed header fails the whole load.
func (t *Table) Load(ctx context.Context) ([]*models.IngestRule, error) {
	grid, err := t.store.ReadGrid(ctx, t.resourceID, t.table)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule table %q: %w", t.table, err)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("rule table %q is empty", t.table)
	}

	if err := t.mapHeaders(grid[0]); err != nil {
		return nil, err
	}

	rules := make([]*models.IngestRule, 0, len(grid)-1)
	for i, row := range grid[1:] {
		id := t.cell(row, colRuleID)
		if id == "" {
			continue
		}

		rule := &models.IngestRule{
			ID:              id,
			Active:          parseBool(t.cell(row, colActive)),
			Method:          models.SourceMethod(strings.ToLower(t.cell(row, colMethod))),
			Query:           t.cell(row, colQuery),
			AttachmentRegex: t.cell(row, colAttachment),
			Delimiter:       t.cell(row, colDelimiter),
			RequireData:     parseBool(t.cell(row, colRequireData)),
			SourceResource:  t.cell(row, colSourceResource),
			SourceTable:     t.cell(row, colSourceTable),
			DestResource:    t.cell(row, colDestResource),
			DestTable:       t.cell(row, colDestTable),
			Mode:            models.ParseWriteMode(t.cell(row, colWriteMode)),
			RowIndex:        i + 1,
		}
		if notify := t.cell(row, colNotify); notify != "" {
			for _, addr := range strings.Split(notify, ",") {
				if addr = strings.TrimSpace(addr); addr != "" {
					rule.NotifyRecipients = append(rule.NotifyRecipients, addr)
				}
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// WriteStatus updates the rule's status cells in place, leaving the
// operator-owned configuration columns untouched.
func (t *Table) WriteStatus(ctx context.Context, rule *models.IngestRule, status models.RunStatus) error {
	if t.colIdx == nil {
		header, err := t.store.ReadRow(ctx, t.resourceID, t.table, 0)
		if err != nil {
			return fmt.Errorf("failed to read rule table header: %w", err)
		}
		if err := t.mapHeaders(header); err != nil {
			return err
		}
	}
	if rule.RowIndex < 1 {
		return fmt.Errorf("rule %s has no configuration row to update", rule.ID)
	}

	row, err := t.store.ReadRow(ctx, t.resourceID, t.table, rule.RowIndex)
	if err != nil {
		return fmt.Errorf("failed to read rule row %d: %w", rule.RowIndex, err)
	}

	width := t.colIdx[colLastMessage] + 1
	if len(row) < width {
		row = append(row, make([]resource.Value, width-len(row))...)
	}
	row[t.colIdx[colLastRun]] = status.Timestamp.UTC().Format(time.RFC3339)
	row[t.colIdx[colLastResult]] = status.Result
	row[t.colIdx[colLastMessage]] = sessionlog.Truncate(status.Message)

	if err := t.store.WriteRows(ctx, t.resourceID, t.table, rule.RowIndex, resource.Grid{row}); err != nil {
		return fmt.Errorf("failed to write rule status: %w", err)
	}
	return nil
}

func (t *Table) mapHeaders(header []resource.Value) error {
	idx := make(map[string]int, len(header))
	for i, cell := range header {
		name := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", cell)))
		if name != "" {
			if _, dup := idx[name]; !dup {
				idx[name] = i
			}
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("rule table %q is missing required columns: %s", t.table, strings.Join(missing, ", "))
	}

	t.colIdx = idx
	return nil
}

func (t *Table) cell(row []resource.Value, col string) string {
	i, ok := t.colIdx[col]
	if !ok || i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", row[i]))
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1":
		return true
	default:
		return false
	}
}
