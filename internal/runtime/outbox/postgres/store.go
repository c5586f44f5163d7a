// Package postgres provides a PostgreSQL-backed outbox.Store. Claims use
// FOR UPDATE SKIP LOCKED so several nodes can sweep the same table without
// handing one record to two senders.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	"github.com/drblury/courier/internal/runtime/outbox"
)

// DefaultSchema is the schema holding the outbox table.
const DefaultSchema = "courier"

const columns = `id, name, payload, headers, state, attempts, next_attempt_at, scheduled_at, expires_at, last_error, created_at, updated_at`

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema to use for tables. Defaults to "courier".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchema
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Store implements outbox.Store on a single table.
type Store struct {
	db     *sql.DB
	schema string
	table  string
	owned  bool
}

var _ outbox.Store = (*Store)(nil)

// Open connects with lib/pq, verifies the connection and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("postgres: connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	s := New(db, cfg.SchemaName)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The caller keeps ownership of db.
func New(db *sql.DB, schema string) *Store {
	if schema == "" {
		schema = DefaultSchema
	}
	quoted := pq.QuoteIdentifier(schema)
	return &Store{db: db, schema: quoted, table: quoted + ".outbox_records"}
}

// EnsureSchema creates the schema, table and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[2]s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload BYTEA NOT NULL,
		headers JSONB NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		scheduled_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS outbox_records_due_idx
		ON %[2]s (state, next_attempt_at) WHERE state = 'Pending';
	CREATE INDEX IF NOT EXISTS outbox_records_delayed_idx
		ON %[2]s (state, scheduled_at) WHERE state = 'Delayed';
	CREATE INDEX IF NOT EXISTS outbox_records_expires_idx
		ON %[2]s (expires_at) WHERE expires_at IS NOT NULL;
	`, s.schema, s.table)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: initialise schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *outbox.Record) error {
	headers, err := jsoncodec.MarshalHeaders(rec.Headers)
	if err != nil {
		return fmt.Errorf("postgres: marshal headers: %w", err)
	}
	// #nosec G201 - table name is quoted with pq.QuoteIdentifier
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.table, columns)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Payload, headers, string(rec.State), rec.Attempts,
		rec.NextAttemptAt.UTC(), nullTime(rec.ScheduledAt), nullTime(rec.ExpiresAt),
		rec.LastError, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*outbox.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, errspkg.ErrRecordNotFound)
	}
	return rec, err
}

func (s *Store) ClaimByID(ctx context.Context, id string, now time.Time) (*outbox.Record, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET state = 'Sending', updated_at = $2
		WHERE id = $1 AND state = 'Pending'
		RETURNING %s`, s.table, columns)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*outbox.Record, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET state = 'Sending', updated_at = $1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE state = 'Pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING %[2]s`, s.table, columns)
	return s.queryRecords(ctx, query, now.UTC(), limit)
}

func (s *Store) PromoteDelayed(ctx context.Context, now time.Time, limit int) ([]*outbox.Record, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET state = 'Pending', next_attempt_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE state = 'Delayed' AND scheduled_at <= $1
			ORDER BY scheduled_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING %[2]s`, s.table, columns)
	return s.queryRecords(ctx, query, now.UTC(), limit)
}

func (s *Store) RecoverStuck(ctx context.Context, before, now time.Time, limit int) ([]*outbox.Record, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET state = 'Pending', next_attempt_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE state = 'Sending' AND updated_at < $1
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING %[2]s`, s.table, columns)
	return s.queryRecords(ctx, query, before.UTC(), now.UTC(), limit)
}

func (s *Store) Update(ctx context.Context, rec *outbox.Record) error {
	headers, err := jsoncodec.MarshalHeaders(rec.Headers)
	if err != nil {
		return fmt.Errorf("postgres: marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET state = $2, attempts = $3, next_attempt_at = $4, scheduled_at = $5,
			expires_at = $6, last_error = $7, updated_at = $8, headers = $9
		WHERE id = $1`, s.table)
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, string(rec.State), rec.Attempts, rec.NextAttemptAt.UTC(),
		nullTime(rec.ScheduledAt), nullTime(rec.ExpiresAt), rec.LastError, rec.UpdatedAt.UTC(), headers,
	)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", rec.ID, errspkg.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE state IN ('Succeeded', 'Failed') AND expires_at <= $1
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)`, s.table)
	res, err := s.db.ExecContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired: %w", err)
	}
	return int(n), nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*outbox.Record, error) {
	var (
		rec         outbox.Record
		state       string
		headers     []byte
		scheduledAt sql.NullTime
		expiresAt   sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Payload, &headers, &state, &rec.Attempts,
		&rec.NextAttemptAt, &scheduledAt, &expiresAt, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan record: %w", err)
	}
	rec.State = outbox.State(state)
	rec.ScheduledAt = scheduledAt.Time
	rec.ExpiresAt = expiresAt.Time
	if rec.Headers, err = jsoncodec.UnmarshalHeaders(headers); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal headers of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
