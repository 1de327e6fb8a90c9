// Package postgres is the PostgreSQL history store driver.
package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Schema creates the messages table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        BIGSERIAL PRIMARY KEY,
	room_id   BIGINT NOT NULL,
	sender    TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);
`

// Store implements store.Store on a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	ownPool bool
	opts    store.Options
}

var _ store.Store = (*Store)(nil)

// Connect dials url, validates connectivity and migrates. The returned store
// owns the pool and closes it on Close.
func Connect(ctx context.Context, url string, opts ...store.Option) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := New(pool, opts...)
	s.ownPool = true
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps a caller-owned pool. Close leaves the pool open.
func New(pool *pgxpool.Pool, opts ...store.Option) *Store {
	return &Store{pool: pool, opts: store.Apply(opts...)}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the pool when the store owns it.
func (s *Store) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

// Append inserts msg and stamps it with the append instant.
func (s *Store) Append(ctx context.Context, msg core.Message) (core.PersistedMessage, error) {
	ts := store.FormatTimestamp(s.opts.Now())

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender, content, timestamp)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, msg.RoomID, msg.Sender, msg.Content, ts).Scan(&id)
	if err != nil {
		return core.PersistedMessage{}, fmt.Errorf("insert message: %w", err)
	}

	return core.PersistedMessage{Message: msg, ID: id, Timestamp: ts}, nil
}

// Query returns the room's messages oldest first, capped to the latest
// HistoryLimit when one is set.
func (s *Store) Query(ctx context.Context, roomID int64) ([]core.PersistedMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if s.opts.HistoryLimit > 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT id, room_id, sender, content, timestamp
			FROM messages
			WHERE room_id = $1
			ORDER BY id DESC
			LIMIT $2
		`, roomID, s.opts.HistoryLimit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, room_id, sender, content, timestamp
			FROM messages
			WHERE room_id = $1
			ORDER BY id ASC
		`, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.PersistedMessage, error) {
		var msg core.PersistedMessage
		err := row.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Content, &msg.Timestamp)
		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}

	if s.opts.HistoryLimit > 0 {
		slices.Reverse(messages)
	}
	return messages, nil
}

func ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
