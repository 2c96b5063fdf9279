package scan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guardianhq/guardian/internal/pagination"
	"github.com/guardianhq/guardian/internal/probes"
)

// PostgresStore persists scan sessions in PostgreSQL. Sessions are the audit
// trail: a finished session is immutable.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed scan session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the scan_sessions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scan_sessions (
			id            VARCHAR(64) PRIMARY KEY,
			address       VARCHAR(64) NOT NULL,
			network       VARCHAR(32) NOT NULL,
			status        VARCHAR(16) NOT NULL,
			probes        JSONB NOT NULL DEFAULT '[]',
			score         JSONB,
			user_id       VARCHAR(128),
			started_at    TIMESTAMPTZ NOT NULL,
			completed_at  TIMESTAMPTZ,
			duration_ms   BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_scan_sessions_address
			ON scan_sessions (address, network, started_at DESC);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, session *Session) error {
	probesJSON, err := json.Marshal(session.Probes)
	if err != nil {
		return fmt.Errorf("failed to marshal probes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_sessions (id, address, network, status, probes, user_id, started_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, session.ID, session.Address, session.Network, session.Status, probesJSON, session.UserID, session.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scan session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finish(ctx context.Context, session *Session) error {
	probesJSON, err := json.Marshal(session.Probes)
	if err != nil {
		return fmt.Errorf("failed to marshal probes: %w", err)
	}
	scoreJSON, err := json.Marshal(session.Score)
	if err != nil {
		return fmt.Errorf("failed to marshal score: %w", err)
	}

	// Guarded by status: a finished session is never overwritten.
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_sessions
		SET status = $2, probes = $3, score = $4, completed_at = $5, duration_ms = $6
		WHERE id = $1 AND status = 'running'
	`, session.ID, session.Status, probesJSON, scoreJSON, session.CompletedAt, session.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to finish scan session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM scan_sessions WHERE id = $1)`, session.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrSessionFinished
		}
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, address, network, status, probes, score, COALESCE(user_id, ''), started_at, completed_at, duration_ms
		FROM scan_sessions
		WHERE id = $1
	`, id)
	return scanSessionRow(row)
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address, network string, limit int, before *pagination.Cursor) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, address, network, status, probes, score, COALESCE(user_id, ''), started_at, completed_at, duration_ms
		FROM scan_sessions
		WHERE address = $1 AND network = $2`
	args := []any{address, network}
	if before != nil {
		query += ` AND started_at < $3`
		args = append(args, before.CreatedAt)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row rowScanner) (*Session, error) {
	var (
		session     Session
		probesJSON  []byte
		scoreJSON   sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&session.ID, &session.Address, &session.Network, &session.Status,
		&probesJSON, &scoreJSON, &session.UserID, &session.StartedAt, &completedAt, &session.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan session: %w", err)
	}

	session.Probes = []probes.Probe{}
	if err := json.Unmarshal(probesJSON, &session.Probes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal probes: %w", err)
	}
	if scoreJSON.Valid && scoreJSON.String != "null" {
		var score TrustScore
		if err := json.Unmarshal([]byte(scoreJSON.String), &score); err != nil {
			return nil, fmt.Errorf("failed to unmarshal score: %w", err)
		}
		session.Score = &score
	}
	if completedAt.Valid {
		session.CompletedAt = completedAt.Time.UTC()
	}
	session.StartedAt = session.StartedAt.UTC()
	return &session, nil
}
