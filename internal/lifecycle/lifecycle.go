// Package lifecycle prepares destination tables for writes and performs
// the safe replacement sequence for the engine's own critical resources.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/tablesync/internal/logging"
	"github.com/telhawk-systems/tablesync/internal/models"
	"github.com/telhawk-systems/tablesync/internal/resource"
)

// Manager handles destination-resource acquisition and replacement.
type Manager struct {
	store resource.Store
	log   *logging.Logger
}

func NewManager(store resource.Store, log *logging.Logger) *Manager {
	return &Manager{store: store, log: log}
}

// Open prepares the named table for a write under the given mode and
// returns the destination's prior row count (nonzero only for append).
// A missing table is created regardless of mode.
func (m *Manager) Open(ctx context.Context, resourceID, table string, mode models.WriteMode) (int, error) {
	exists, err := m.store.TableExists(ctx, resourceID, table)
	if err != nil {
		return 0, &models.SystemError{Op: "open destination", Err: err}
	}

	if !exists {
		if err := m.store.CreateTable(ctx, resourceID, table, -1); err != nil {
			return 0, &models.SystemError{Op: "create destination table", Err: err}
		}
		return 0, nil
	}

	switch mode {
	case models.ModeAppend:
		rows, _, err := m.store.Dims(ctx, resourceID, table)
		if err != nil {
			return 0, &models.SystemError{Op: "read destination dimensions", Err: err}
		}
		return rows, nil

	case models.ModeRecreate:
		pos, err := m.store.TablePosition(ctx, resourceID, table)
		if err != nil {
			return 0, &models.SystemError{Op: "read destination position", Err: err}
		}
		if err := m.store.DeleteTable(ctx, resourceID, table); err != nil {
			return 0, &models.SystemError{Op: "delete destination table", Err: err}
		}
		if err := m.store.CreateTable(ctx, resourceID, table, pos); err != nil {
			return 0, &models.SystemError{Op: "recreate destination table", Err: err}
		}
		return 0, nil

	case models.ModeCopyFormat:
		// The verbatim copy happens upstream; the table only needs to
		// exist as a placeholder.
		return 0, nil

	default:
		// clear-and-reuse, and the defensive fallback for unknown modes.
		if err := m.store.ClearTable(ctx, resourceID, table); err != nil {
			return 0, &models.SystemError{Op: "clear destination table", Err: err}
		}
		return 0, nil
	}
}

// PopulateFunc runs caller-supplied setup against a staged resource.
type PopulateFunc func(ctx context.Context, resourceID string) error

// ReplaceResource swaps the resource named targetName for a freshly
// populated one: backup, stage, populate, promote, and on failure roll
// back. The backup phase is best-effort; its failure is logged, not
// fatal. The target name resolves to a valid resource at all times except
// the narrow window between deleting the old resource and a failed
// rename, which the rollback path closes.
func (m *Manager) ReplaceResource(ctx context.Context, targetName string, populate PopulateFunc) (string, error) {
	origID, err := m.store.FindResourceByName(ctx, targetName)
	if err != nil && !errors.Is(err, resource.ErrResourceNotFound) {
		return "", &models.SystemError{Op: "resolve replacement target", Err: err}
	}

	// Backup: best-effort, availability over strict consistency.
	backupID := ""
	if origID != "" {
		backupName := fmt.Sprintf("%s_backup_%s", targetName, time.Now().UTC().Format("20060102T150405"))
		backupID, err = m.store.CopyResource(ctx, origID, backupName)
		if err != nil {
			m.log.Warn("backup of replacement target failed, continuing", "target", targetName, "error", err)
			backupID = ""
		}
	}

	// Stage.
	stageID, err := m.store.CreateResource(ctx, stagingName(targetName))
	if err != nil {
		return "", &models.SystemError{Op: "stage replacement resource", Err: err}
	}

	// Populate.
	if err := populate(ctx, stageID); err != nil {
		m.rollback(ctx, targetName, stageID, backupID)
		return "", &models.SystemError{Op: "populate replacement resource", Err: err}
	}

	// Promote: rename first, delete the old resource only once the new
	// one owns the target name.
	if err := m.store.RenameResource(ctx, stageID, targetName); err != nil {
		m.rollback(ctx, targetName, stageID, backupID)
		return "", &models.SystemError{Op: "promote replacement resource", Err: err}
	}
	if origID != "" {
		if err := m.store.DeleteResource(ctx, origID); err != nil {
			m.log.Warn("failed to delete replaced resource", "target", targetName, "error", err)
		}
	}

	return stageID, nil
}

// rollback deletes the failed staging resource and, if the target name no
// longer resolves, renames the backup back into place. Every step is
// best-effort; residue is left for manual inspection rather than looping.
func (m *Manager) rollback(ctx context.Context, targetName, stageID, backupID string) {
	if err := m.store.DeleteResource(ctx, stageID); err != nil {
		m.log.Warn("rollback: failed to delete staged resource", "target", targetName, "error", err)
	}

	_, err := m.store.FindResourceByName(ctx, targetName)
	if err == nil {
		return
	}
	if !errors.Is(err, resource.ErrResourceNotFound) {
		m.log.Warn("rollback: failed to re-resolve target", "target", targetName, "error", err)
		return
	}

	if backupID == "" {
		m.log.Warn("rollback: target missing and no backup available", "target", targetName)
		return
	}
	if err := m.store.RenameResource(ctx, backupID, targetName); err != nil {
		m.log.Warn("rollback: failed to restore backup", "target", targetName, "error", err)
	}
}

func stagingName(targetName string) string {
	u, _ := uuid.NewV7()
	return fmt.Sprintf("%s_staging_%s", targetName, strings.ReplaceAll(u.String(), "-", "")[:12])
}
