// Package session persists the two pieces of per-chat state a bridge
// run needs across process restarts: which engine a chat is currently
// pinned to, and the most recent resume token handed back by each
// (chat, engine) pair. Backed by SQLite the same way internal/auth
// persists its tokens, rather than the flat-file JSON internal/config
// uses for ChatOverrides, since this store is read on the hot path of
// every incoming message and gains nothing from file-level atomicity
// tricks a real table doesn't already give for free.
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/riverrun/untether/internal/model"
)

// Store implements bridge.ChatStore against a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the session database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "sessions.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_engine (
		chat_id TEXT PRIMARY KEY,
		engine  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS chat_resume (
		chat_id TEXT NOT NULL,
		engine  TEXT NOT NULL,
		token   TEXT NOT NULL,
		PRIMARY KEY (chat_id, engine)
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EngineFor returns chatID's overridden engine, or "" if it has none.
func (s *Store) EngineFor(chatID string) model.EngineID {
	var engine string
	err := s.db.QueryRow(`SELECT engine FROM chat_engine WHERE chat_id = ?`, chatID).Scan(&engine)
	if err != nil {
		return ""
	}
	return model.EngineID(engine)
}

// SetEngineOverride pins chatID to engine until changed again.
func (s *Store) SetEngineOverride(chatID string, engine model.EngineID) {
	_, _ = s.db.Exec(
		`INSERT INTO chat_engine (chat_id, engine) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET engine = excluded.engine`,
		chatID, string(engine),
	)
}

// Resume returns the last resume token recorded for (chatID, engine).
func (s *Store) Resume(chatID string, engine model.EngineID) (model.ResumeToken, bool) {
	var value string
	err := s.db.QueryRow(
		`SELECT token FROM chat_resume WHERE chat_id = ? AND engine = ?`,
		chatID, string(engine),
	).Scan(&value)
	if err != nil {
		return model.ResumeToken{}, false
	}
	return model.ResumeToken{Engine: engine, Value: value}, true
}

// SetResume records token as the latest resume point for its (chat,
// engine) pair, overwriting any prior one.
func (s *Store) SetResume(chatID string, token model.ResumeToken) {
	_, _ = s.db.Exec(
		`INSERT INTO chat_resume (chat_id, engine, token) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id, engine) DO UPDATE SET token = excluded.token`,
		chatID, string(token.Engine), token.Value,
	)
}
