// Package resource abstracts named table resources: row/column addressable
// data grids grouped into workbook-like containers. Two implementations
// exist, a Postgres-backed store and an in-memory store for tests and dry
// runs.
package resource

import (
	"context"
	"errors"
)

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrResourceExists   = errors.New("resource already exists")
	ErrTableNotFound    = errors.New("table not found")
	ErrTableExists      = errors.New("table already exists")
)

// Value is a single heterogeneous cell value (string, float64, bool,
// time.Time or nil).
type Value = any

// Grid is a 2-D block of cell values, row-major.
type Grid [][]Value

// Rows returns the grid's row count.
func (g Grid) Rows() int { return len(g) }

// Cols returns the grid's used column count (widest row).
func (g Grid) Cols() int {
	cols := 0
	for _, row := range g {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return cols
}

// Store is the table-resource backend. Resources are addressed by opaque
// id and carry a human-visible name; the name is what safe replacement
// swaps. Tables keep an ordinal position within their resource so a
// recreated table lands where the old one was.
type Store interface {
	// DefaultResource returns the id of the ambient resource that empty
	// references resolve to.
	DefaultResource() string

	ResourceExists(ctx context.Context, id string) (bool, error)
	CreateResource(ctx context.Context, name string) (string, error)
	// CopyResource clones a resource's tables under a new name and
	// returns the copy's id.
	CopyResource(ctx context.Context, id, copyName string) (string, error)
	// RenameResource changes a resource's visible name; the id is stable.
	RenameResource(ctx context.Context, id, newName string) error
	DeleteResource(ctx context.Context, id string) error
	// FindResourceByName resolves a visible name to an id. When several
	// resources share the name the most recently created wins.
	FindResourceByName(ctx context.Context, name string) (string, error)

	TableExists(ctx context.Context, resourceID, table string) (bool, error)
	// CreateTable adds an empty table at position pos; pos < 0 appends.
	CreateTable(ctx context.Context, resourceID, table string, pos int) error
	DeleteTable(ctx context.Context, resourceID, table string) error
	// ClearTable wipes content and formatting in place.
	ClearTable(ctx context.Context, resourceID, table string) error
	TablePosition(ctx context.Context, resourceID, table string) (int, error)

	// Dims returns the used range of a table: row count and widest column
	// count.
	Dims(ctx context.Context, resourceID, table string) (rows, cols int, err error)
	ReadGrid(ctx context.Context, resourceID, table string) (Grid, error)
	ReadRow(ctx context.Context, resourceID, table string, row int) ([]Value, error)
	// WriteRows writes grid rows starting at startRow, overwriting rows
	// already present at those indexes and extending the table past them.
	WriteRows(ctx context.Context, resourceID, table string, startRow int, rows Grid) error
	// CopyTableFormatted is the verbatim resource-to-resource copy used by
	// copy-format rules, preserving everything the backend can preserve.
	CopyTableFormatted(ctx context.Context, srcResource, srcTable, dstResource, dstTable string) error

	Close()
}
