package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists transcripts in a local SQLite database. A rowid
// ordering on reads reproduces append order exactly.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	DBPath string
	Logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the transcript database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger.With().Str("component", "history_store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("history store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			kind TEXT NOT NULL,
			call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_items_session ON items(session_id);
		CREATE INDEX IF NOT EXISTS idx_items_session_turn ON items(session_id, turn);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts an item at the end of its session transcript.
func (s *SQLiteStore) Append(item Item) error {
	_, err := s.db.Exec(
		"INSERT INTO items (id, session_id, turn, kind, call_id, tool_name, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		item.ID, item.SessionID, item.Turn, string(item.Kind), item.CallID, item.ToolName, item.Content, item.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

// Items returns the session transcript in append order.
func (s *SQLiteStore) Items(sessionID string) ([]Item, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, turn, kind, call_id, tool_name, content, created_at FROM items WHERE session_id = ? ORDER BY seq ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var kind string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Turn, &kind, &item.CallID, &item.ToolName, &item.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Kind = Kind(kind)
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
