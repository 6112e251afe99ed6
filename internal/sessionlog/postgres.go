package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/tablesync/internal/models"
)

const queryTimeout = 5 * time.Second

// PostgresRepository persists the session log and the verification and
// diagnostic sinks in Postgres. Table schemas live in migrations/.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
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

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO session_log (session_id, ts, rule_id, event, message, rows_processed, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		entry.SessionID,
		entry.Timestamp,
		entry.RuleID,
		string(entry.Event),
		entry.Message,
		entry.Rows,
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SessionEntries(ctx context.Context, sessionID string) ([]*models.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, session_id, ts, rule_id, event, message, rows_processed, duration_ms
		FROM session_log
		WHERE session_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var event string
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.RuleID, &event, &e.Message, &e.Rows, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Event = models.EventType(event)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) CountLogs(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM session_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) TrimLogs(ctx context.Context, max int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if max < 0 {
		return 0, nil
	}

	query := `
		DELETE FROM session_log
		WHERE id IN (
			SELECT id FROM session_log
			ORDER BY id
			OFFSET 0
			LIMIT GREATEST((SELECT COUNT(*) FROM session_log) - $1, 0)
		)
	`
	tag, err := r.pool.Exec(ctx, query, max)
	if err != nil {
		return 0, fmt.Errorf("failed to trim log entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) AppendVerification(ctx context.Context, rec *models.VerificationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO verification_records
		(session_id, rule_id, source_type, source_ref, dest_ref,
		 source_rows, source_cols, dest_rows, dest_cols,
		 rows_match, columns_match, samples_match, content_hash, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.SessionID, rec.RuleID, rec.SourceType, rec.SourceRef, rec.DestRef,
		rec.SourceRows, rec.SourceCols, rec.DestRows, rec.DestCols,
		string(rec.RowsMatch), string(rec.ColumnsMatch), string(rec.SamplesMatch),
		rec.ContentHash, string(rec.Status), rec.Details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append verification record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendDiagnostic(ctx context.Context, rec *models.DiagnosticRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO diagnostic_records
		(session_id, rule_id, position, col, source_raw, dest_raw, source_norm, dest_norm, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.SessionID, rec.RuleID, rec.Position, rec.Column,
		rec.SourceRaw, rec.DestRaw, rec.SourceNorm, rec.DestNorm,
		rec.Details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append diagnostic record: %w", err)
	}
	return nil
}
