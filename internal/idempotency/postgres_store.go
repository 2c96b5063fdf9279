package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists idempotency records in PostgreSQL, so the at-most-once
// guarantee survives restarts and holds across multiple instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the idempotency_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			idempotency_key  VARCHAR(128) PRIMARY KEY,
			request_hash     VARCHAR(64) NOT NULL,
			outcome          JSONB,
			pending          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at       TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires
			ON idempotency_records (expires_at);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var outcome sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, request_hash, outcome, pending, created_at, expires_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`, key).Scan(&rec.Key, &rec.RequestHash, &outcome, &rec.Pending, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	if outcome.Valid {
		rec.Outcome = json.RawMessage(outcome.String)
	}
	return &rec, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (bool, error) {
	// The upsert only replaces expired rows, so exactly one concurrent
	// caller wins the reservation for a live key.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (idempotency_key, request_hash, pending, created_at, expires_at)
		VALUES ($1, $2, TRUE, NOW(), $3)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET request_hash = EXCLUDED.request_hash,
			    outcome = NULL,
			    pending = TRUE,
			    created_at = NOW(),
			    expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= NOW()
	`, key, requestHash, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, requestHash string, outcome json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET outcome = $3, pending = FALSE
		WHERE idempotency_key = $1 AND request_hash = $2 AND pending = TRUE
	`, key, requestHash, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing reservation from a hash mismatch for callers
		var storedHash string
		err := s.db.QueryRowContext(ctx,
			`SELECT request_hash FROM idempotency_records WHERE idempotency_key = $1`, key,
		).Scan(&storedHash)
		if err == nil && storedHash != requestHash {
			return ErrHashMismatch
		}
		return ErrNotReserved
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE idempotency_key = $1 AND pending = TRUE
	`, key)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
