package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	user_key   TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// SQLiteStore implements Store with one JSON blob row per user key.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns the user's session list, or an empty list when the user has
// never been saved.
func (s *SQLiteStore) Load(ctx context.Context, userKey string) ([]chat.Session, error) {
	var payload []byte
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE user_key = ?`, userKey)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load sessions for %s: %w", userKey, err)
	}

	var sessions []chat.Session
	if err := json.Unmarshal(payload, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions for %s: %w", userKey, err)
	}
	return sessions, nil
}

// Save replaces the user's session list. Last write wins.
func (s *SQLiteStore) Save(ctx context.Context, userKey string, sessions []chat.Session) error {
	payload, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode sessions for %s: %w", userKey, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userKey, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save sessions for %s: %w", userKey, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
