// Package archive persists conversation turns to PostgreSQL. The archive is
// strictly best-effort from the pipeline's point of view: a failed insert is
// logged by the caller and never fails the turn that produced it.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpipe/voxpipe/internal/engine/turn"
)

// Compile-time interface check.
var _ turn.Archiver = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    user_text      TEXT         NOT NULL,
    assistant_text TEXT         NOT NULL,
    cancelled      BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_created
    ON turns (session_id, created_at);
`

// Store is the PostgreSQL-backed turn archive. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the turns table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the archive schema exists. Idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}

// ArchiveExchange inserts one exchange for the given session.
func (s *Store) ArchiveExchange(ctx context.Context, sessionID string, ex turn.Exchange) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (session_id, user_text, assistant_text, cancelled, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, ex.UserText, ex.AssistantText, ex.Cancelled, ex.At,
	)
	if err != nil {
		return fmt.Errorf("archive exchange: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit exchanges for a session, newest first.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]turn.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_text, assistant_text, cancelled, created_at
		 FROM turns
		 WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive recent turns: %w", err)
	}
	defer rows.Close()

	var out []turn.Exchange
	for rows.Next() {
		var ex turn.Exchange
		if err := rows.Scan(&ex.UserText, &ex.AssistantText, &ex.Cancelled, &ex.At); err != nil {
			return nil, fmt.Errorf("archive recent turns: scan: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive recent turns: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
