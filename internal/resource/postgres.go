package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

// PostgresStore keeps each resource in its own schema. Grid rows are
// stored as (row_idx, cells JSONB) relations so heterogeneous cells
// survive round trips, and a pair of catalog tables carries resource
// names and table positions.
type PostgresStore struct {
	pool      *pgxpool.Pool
	defaultID string
}

// NewPostgresStore connects, ensures the catalog exists and resolves (or
// creates) the ambient resource named defaultName.
func NewPostgresStore(ctx context.Context, connString, defaultName string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureCatalog(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	id, err := s.FindResourceByName(ctx, defaultName)
	if errors.Is(err, ErrResourceNotFound) {
		id, err = s.CreateResource(ctx, defaultName)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to resolve default resource: %w", err)
	}
	s.defaultID = id

	return s, nil
}

func (s *PostgresStore) ensureCatalog(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ts_resources (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			schema_name TEXT NOT NULL UNIQUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS ts_tables (
			resource_id TEXT NOT NULL REFERENCES ts_resources(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			position    INT  NOT NULL,
			rel_name    TEXT NOT NULL,
			PRIMARY KEY (resource_id, name)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure resource catalog: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) DefaultResource() string { return s.defaultID }

func schemaFor(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, id)
	if len(clean) > 24 {
		clean = clean[:24]
	}
	return "r_" + clean
}

func newRelName() string {
	u, _ := uuid.NewV7()
	return "t_" + strings.ReplaceAll(u.String(), "-", "")[:16]
}

func (s *PostgresStore) ResourceExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ts_resources WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check resource: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateResource(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	u, _ := uuid.NewV7()
	id := strings.ReplaceAll(u.String(), "-", "")
	schema := schemaFor(id)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ts_resources (id, name, schema_name) VALUES ($1, $2, $3)`,
		id, name, schema); err != nil {
		return "", fmt.Errorf("failed to register resource: %w", err)
	}
	if _, err := tx.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return "", fmt.Errorf("failed to create resource schema: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit resource creation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) schemaOf(ctx context.Context, id string) (string, error) {
	var schema string
	err := s.pool.QueryRow(ctx,
		`SELECT schema_name FROM ts_resources WHERE id = $1`, id).Scan(&schema)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrResourceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up resource: %w", err)
	}
	return schema, nil
}

func (s *PostgresStore) CopyResource(ctx context.Context, id, copyName string) (string, error) {
	srcCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	srcSchema, err := s.schemaOf(srcCtx, id)
	cancel()
	if err != nil {
		return "", err
	}

	copyID, err := s.CreateResource(ctx, copyName)
	if err != nil {
		return "", err
	}
	copySchema := schemaFor(copyID)

	ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT name, position, rel_name FROM ts_tables WHERE resource_id = $1 ORDER BY position`, id)
	if err != nil {
		return "", fmt.Errorf("failed to list tables for copy: %w", err)
	}
	defer rows.Close()

	type tbl struct {
		name string
		pos  int
		rel  string
	}
	var tables []tbl
	for rows.Next() {
		var t tbl
		if err := rows.Scan(&t.name, &t.pos, &t.rel); err != nil {
			return "", fmt.Errorf("failed to scan table entry: %w", err)
		}
		tables = append(tables, t)
	}
	rows.Close()

	for _, t := range tables {
		rel := newRelName()
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s",
			pgx.Identifier{copySchema, rel}.Sanitize(),
			pgx.Identifier{srcSchema, t.rel}.Sanitize())); err != nil {
			return "", fmt.Errorf("failed to copy table %q: %w", t.name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO ts_tables (resource_id, name, position, rel_name) VALUES ($1, $2, $3, $4)`,
			copyID, t.name, t.pos, rel); err != nil {
			return "", fmt.Errorf("failed to register copied table %q: %w", t.name, err)
		}
	}

	return copyID, nil
}

func (s *PostgresStore) RenameResource(ctx context.Context, id, newName string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE ts_resources SET name = $2 WHERE id = $1`, id, newName)
	if err != nil {
		return fmt.Errorf("failed to rename resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrResourceNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteResource(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	schema, err := s.schemaOf(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx,
		"DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop resource schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM ts_resources WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to deregister resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindResourceByName(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM ts_resources WHERE name = $1 ORDER BY created_at DESC LIMIT 1`,
		name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrResourceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find resource by name: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) relOf(ctx context.Context, resourceID, table string) (schema, rel string, err error) {
	schema, err = s.schemaOf(ctx, resourceID)
	if err != nil {
		return "", "", err
	}
	err = s.pool.QueryRow(ctx,
		`SELECT rel_name FROM ts_tables WHERE resource_id = $1 AND name = $2`,
		resourceID, table).Scan(&rel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrTableNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up table: %w", err)
	}
	return schema, rel, nil
}

func (s *PostgresStore) TableExists(ctx context.Context, resourceID, table string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, _, err := s.relOf(ctx, resourceID, table)
	if errors.Is(err, ErrTableNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) CreateTable(ctx context.Context, resourceID, table string, pos int) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	schema, err := s.schemaOf(ctx, resourceID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM ts_tables WHERE resource_id = $1`, resourceID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count tables: %w", err)
	}
	if pos < 0 || pos > count {
		pos = count
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE ts_tables SET position = position + 1 WHERE resource_id = $1 AND position >= $2`,
			resourceID, pos); err != nil {
			return fmt.Errorf("failed to shift table positions: %w", err)
		}
	}

	rel := newRelName()
	tag, err := tx.Exec(ctx,
		`INSERT INTO ts_tables (resource_id, name, position, rel_name)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		resourceID, table, pos, rel)
	if err != nil {
		return fmt.Errorf("failed to register table: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTableExists
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s (row_idx BIGINT PRIMARY KEY, cells JSONB NOT NULL)",
		pgx.Identifier{schema, rel}.Sanitize())); err != nil {
		return fmt.Errorf("failed to create table relation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit table creation: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTable(ctx context.Context, resourceID, table string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	schema, rel, err := s.relOf(ctx, resourceID, table)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var pos int
	if err := tx.QueryRow(ctx,
		`DELETE FROM ts_tables WHERE resource_id = $1 AND name = $2 RETURNING position`,
		resourceID, table).Scan(&pos); err != nil {
		return fmt.Errorf("failed to deregister table: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ts_tables SET position = position - 1 WHERE resource_id = $1 AND position > $2`,
		resourceID, pos); err != nil {
		return fmt.Errorf("failed to shift table positions: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"DROP TABLE IF EXISTS "+pgx.Identifier{schema, rel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to drop table relation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit table deletion: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearTable(ctx context.Context, resourceID, table string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	schema, rel, err := s.relOf(ctx, resourceID, table)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM "+pgx.Identifier{schema, rel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to clear table: %w", err)
	}
	return nil
}

func (s *PostgresStore) TablePosition(ctx context.Context, resourceID, table string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var pos int
	err := s.pool.QueryRow(ctx,
		`SELECT position FROM ts_tables WHERE resource_id = $1 AND name = $2`,
		resourceID, table).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrTableNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get table position: %w", err)
	}
	return pos, nil
}

func (s *PostgresStore) Dims(ctx context.Context, resourceID, table string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	schema, rel, err := s.relOf(ctx, resourceID, table)
	if err != nil {
		return 0, 0, err
	}

	var rows, cols int
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT COALESCE(MAX(row_idx) + 1, 0), COALESCE(MAX(jsonb_array_length(cells)), 0) FROM %s",
		pgx.Identifier{schema, rel}.Sanitize())).Scan(&rows, &cols)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read table dimensions: %w", err)
	}
	return rows, cols, nil
}

func (s *PostgresStore) ReadGrid(ctx context.Context, resourceID, table string) (Grid, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	schema, rel, err := s.relOf(ctx, resourceID, table)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT row_idx, cells FROM %s ORDER BY row_idx",
		pgx.Identifier{schema, rel}.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("failed to read grid: %w", err)
	}
	defer rows.Close()

	var grid Grid
	for rows.Next() {
		var idx int64
		var cells []byte
		if err := rows.Scan(&idx, &cells); err != nil {
			return nil, fmt.Errorf("failed to scan grid row: %w", err)
		}
		var row []Value
		if err := json.Unmarshal(cells, &row); err != nil {
			return nil, fmt.Errorf("failed to decode grid row: %w", err)
		}
		for int64(len(grid)) < idx {
			grid = append(grid, nil)
		}
		grid = append(grid, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grid rows: %w", err)
	}
	return grid, nil
}

func (s *PostgresStore) ReadRow(ctx context.Context, resourceID, table string, row int) ([]Value, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	schema, rel, err := s.relOf(ctx, resourceID, table)
	if err != nil {
		return nil, err
	}

	var cells []byte
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT cells FROM %s WHERE row_idx = $1",
		pgx.Identifier{schema, rel}.Sanitize()), row).Scan(&cells)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}

	var out []Value
	if err := json.Unmarshal(cells, &out); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) WriteRows(ctx context.Context, resourceID, table string, startRow int, grid Grid) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	schema, rel, err := s.relOf(ctx, resourceID, table)
	if err != nil {
		return err
	}

	upsert := fmt.Sprintf(
		"INSERT INTO %s (row_idx, cells) VALUES ($1, $2) ON CONFLICT (row_idx) DO UPDATE SET cells = EXCLUDED.cells",
		pgx.Identifier{schema, rel}.Sanitize())

	batch := &pgx.Batch{}
	for i, row := range grid {
		cells, err := json.Marshal(encodeRow(row))
		if err != nil {
			return fmt.Errorf("failed to encode row %d: %w", startRow+i, err)
		}
		batch.Queue(upsert, startRow+i, cells)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range grid {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to write rows: %w", err)
		}
	}
	return nil
}

// encodeRow renders time cells as RFC3339 strings so they survive JSONB
// round trips; the verification normalizer folds both forms to the same
// canonical string.
func encodeRow(row []Value) []Value {
	out := make([]Value, len(row))
	for i, v := range row {
		if t, ok := v.(time.Time); ok {
			out[i] = t.UTC().Format(time.RFC3339)
			continue
		}
		out[i] = v
	}
	return out
}

func (s *PostgresStore) CopyTableFormatted(ctx context.Context, srcResource, srcTable, dstResource, dstTable string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	srcSchema, srcRel, err := s.relOf(ctx, srcResource, srcTable)
	if err != nil {
		return err
	}

	exists, err := s.TableExists(ctx, dstResource, dstTable)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.CreateTable(ctx, dstResource, dstTable, -1); err != nil {
			return err
		}
	}
	dstSchema, dstRel, err := s.relOf(ctx, dstResource, dstTable)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx,
		"DELETE FROM "+pgx.Identifier{dstSchema, dstRel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to clear copy destination: %w", err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s SELECT row_idx, cells FROM %s",
		pgx.Identifier{dstSchema, dstRel}.Sanitize(),
		pgx.Identifier{srcSchema, srcRel}.Sanitize())); err != nil {
		return fmt.Errorf("failed to copy table content: %w", err)
	}
	return nil
}
