package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Schema creates the messages table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id   INTEGER NOT NULL,
	sender    TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts store.Options
}

var _ store.Store = (*SQLiteStore)(nil)

// New opens the database at dbPath and applies Schema.
func New(dbPath string, opts ...store.Option) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	}, opts...)
}

// NewWithSetup opens the database and runs setup instead of the default
// schema. Useful for tests that need a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error, opts ...store.Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:"
	// databases alive across queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, opts: store.Apply(opts...)}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append inserts msg and stamps it with the append instant.
func (s *SQLiteStore) Append(ctx context.Context, msg core.Message) (core.PersistedMessage, error) {
	query := `
		INSERT INTO messages (room_id, sender, content, timestamp)
		VALUES (?, ?, ?, ?)
	`
	ts := store.FormatTimestamp(s.opts.Now())
	result, err := s.db.ExecContext(ctx, query, msg.RoomID, msg.Sender, msg.Content, ts)
	if err != nil {
		return core.PersistedMessage{}, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return core.PersistedMessage{}, fmt.Errorf("get last insert id: %w", err)
	}

	return core.PersistedMessage{Message: msg, ID: id, Timestamp: ts}, nil
}

// Query returns the room's messages oldest first. With a history limit only
// the latest messages are returned, still oldest first.
func (s *SQLiteStore) Query(ctx context.Context, roomID int64) ([]core.PersistedMessage, error) {
	var query string
	var args []any

	if s.opts.HistoryLimit > 0 {
		query = `
			SELECT id, room_id, sender, content, timestamp
			FROM messages
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		`
		args = []any{roomID, s.opts.HistoryLimit}
	} else {
		query = `
			SELECT id, room_id, sender, content, timestamp
			FROM messages
			WHERE room_id = ?
			ORDER BY id ASC
		`
		args = []any{roomID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []core.PersistedMessage
	for rows.Next() {
		var msg core.PersistedMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if s.opts.HistoryLimit > 0 {
		// Reverse to get chronological order
		for i := range len(messages) / 2 {
			messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
		}
	}

	return messages, nil
}
