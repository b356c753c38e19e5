package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS device_commands (
    seq        BIGSERIAL PRIMARY KEY,
    id         UUID        NOT NULL,
    device_id  TEXT        NOT NULL,
    type       TEXT        NOT NULL,
    sim        SMALLINT    NOT NULL,
    number     TEXT        NOT NULL DEFAULT '',
    message    TEXT        NOT NULL DEFAULT '',
    action     TEXT        NOT NULL DEFAULT '',
    queued_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_commands_device_seq_idx ON device_commands (device_id, seq);

CREATE TABLE IF NOT EXISTS sms_messages (
    seq        BIGSERIAL PRIMARY KEY,
    id         UUID        NOT NULL,
    device_id  TEXT        NOT NULL,
    sender     TEXT        NOT NULL,
    body       TEXT        NOT NULL,
    sim        TEXT        NOT NULL DEFAULT '',
    sent_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sms_messages_device_seq_idx ON sms_messages (device_id, seq DESC);

CREATE TABLE IF NOT EXISTS form_snapshots (
    device_id  TEXT PRIMARY KEY,
    fields     JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store and ensures the schema
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) configurePool(opts Options) {
	if opts.MaxOpenConns > 0 {
		s.db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		s.db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		s.db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on success
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
