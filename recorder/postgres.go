package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in two tables. Schema is created
// on construction so operators can point the server at an empty
// database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	event_count BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("recorder: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) BeginSession(ctx context.Context, meta SessionMeta) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, started_at) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		meta.ID, meta.StartedAt)
	return err
}

func (s *PostgresStore) AppendEvents(ctx context.Context, sessionID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO session_events (session_id, seq, recorded_at, payload)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			sessionID, int64(ev.Seq), ev.Timestamp, []byte(ev.Payload))
	}
	batch.Queue(
		`UPDATE sessions SET event_count = event_count + $2 WHERE id = $1`,
		sessionID, len(events))
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1`,
		sessionID, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, ended_at, event_count
		 FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		var ended *time.Time
		if err := rows.Scan(&meta.ID, &meta.StartedAt, &ended, &meta.EventCount); err != nil {
			return nil, err
		}
		if ended != nil {
			meta.EndedAt = *ended
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT true FROM sessions WHERE id = $1`, sessionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, recorded_at, payload FROM session_events
		 WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev := Event{SessionID: sessionID}
		var seq int64
		if err := rows.Scan(&seq, &ev.Timestamp, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}
