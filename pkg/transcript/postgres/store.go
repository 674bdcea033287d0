// Package postgres persists conversation transcripts in a PostgreSQL table
// so a parent can review past conversations across engine restarts.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mavu-ai/voicewire/pkg/transcript"
)

// Store is a [transcript.Store] backed by the voicewire_transcripts table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ transcript.Store = (*Store)(nil)

// New connects to the database at dsn and ensures the transcript table
// exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: connect: %w", err)
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS voicewire_transcripts (
		    id         BIGSERIAL PRIMARY KEY,
		    session_id TEXT        NOT NULL,
		    role       TEXT        NOT NULL,
		    text       TEXT        NOT NULL,
		    timestamp  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS voicewire_transcripts_session_idx
		    ON voicewire_transcripts (session_id, timestamp)`

	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Append implements [transcript.Store].
func (s *Store) Append(ctx context.Context, sessionID string, entry transcript.Entry) error {
	const q = `
		INSERT INTO voicewire_transcripts (session_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, sessionID, entry.Role, entry.Text, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// Recent implements [transcript.Store]. It returns the latest limit turns
// for sessionID in chronological order.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	const q = `
		SELECT role, text, timestamp
		FROM (
		    SELECT role, text, timestamp
		    FROM   voicewire_transcripts
		    WHERE  session_id = $1
		    ORDER  BY timestamp DESC
		    LIMIT  $2
		) latest
		ORDER BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var e transcript.Entry
		err := row.Scan(&e.Role, &e.Text, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
