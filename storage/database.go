// Package storage persists session-scoped local messaging state in SQLite:
// cleared-conversation markers and locally-read message ids. Rows are keyed
// by session id; state from previous sessions is pruned on open, which gives
// reload-survives / logout-forgets semantics.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "state.db"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS cleared_conversations (
  session_id      TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  cleared_at      INTEGER NOT NULL,
  PRIMARY KEY (session_id, conversation_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS read_messages (
  session_id  TEXT NOT NULL,
  message_key TEXT NOT NULL,
  marked_at   INTEGER NOT NULL,
  PRIMARY KEY (session_id, message_key)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_cleared_session
ON cleared_conversations (session_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_read_session
ON read_messages (session_id);
`,
}

// Store is the SQLite-backed local state for one session.
type Store struct {
	db        *sql.DB
	sessionID string
}

// Open creates or opens the state database under dataDir, binds it to the
// given session id, and prunes rows left behind by other sessions. Returns
// the store and the database path.
func Open(dataDir, sessionID string) (*Store, string, error) {
	if dataDir == "" {
		return nil, "", errors.New("storage: data dir is required")
	}
	if sessionID == "" {
		return nil, "", errors.New("storage: session ID is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, "", fmt.Errorf("open database %q: %w", dbPath, err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	store := &Store{db: db, sessionID: sessionID}
	if err := store.pruneOtherSessions(); err != nil {
		_ = db.Close()
		return nil, "", err
	}

	return store, dbPath, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// MarkCleared records that a conversation's unread count was cleared.
func (s *Store) MarkCleared(conversation string, clearedAt time.Time) error {
	if conversation == "" {
		return errors.New("storage: conversation id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO cleared_conversations (session_id, conversation_id, cleared_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, conversation_id) DO UPDATE SET cleared_at = excluded.cleared_at`,
		s.sessionID,
		conversation,
		clearedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark conversation %q cleared: %w", conversation, err)
	}
	return nil
}

// ClearedAt returns the cleared marker for a conversation, if any.
func (s *Store) ClearedAt(conversation string) (time.Time, bool, error) {
	if conversation == "" {
		return time.Time{}, false, errors.New("storage: conversation id is required")
	}

	var millis int64
	err := s.db.QueryRow(
		`SELECT cleared_at FROM cleared_conversations
		WHERE session_id = ? AND conversation_id = ?`,
		s.sessionID,
		conversation,
	).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cleared marker for %q: %w", conversation, err)
	}
	return time.UnixMilli(millis), true, nil
}

// MarkMessageRead records a message key as locally read.
func (s *Store) MarkMessageRead(messageKey string) error {
	if messageKey == "" {
		return errors.New("storage: message key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO read_messages (session_id, message_key, marked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, message_key) DO UPDATE SET marked_at = excluded.marked_at`,
		s.sessionID,
		messageKey,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark message %q read: %w", messageKey, err)
	}
	return nil
}

// IsMessageRead reports whether a message key was locally read this session.
func (s *Store) IsMessageRead(messageKey string) (bool, error) {
	if messageKey == "" {
		return false, errors.New("storage: message key is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM read_messages WHERE session_id = ? AND message_key = ?)`,
		s.sessionID,
		messageKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check message %q read: %w", messageKey, err)
	}
	return exists == 1, nil
}

func (s *Store) pruneOtherSessions() error {
	if _, err := s.db.Exec(
		`DELETE FROM cleared_conversations WHERE session_id != ?`, s.sessionID,
	); err != nil {
		return fmt.Errorf("prune stale cleared markers: %w", err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM read_messages WHERE session_id != ?`, s.sessionID,
	); err != nil {
		return fmt.Errorf("prune stale read ids: %w", err)
	}
	return nil
}
