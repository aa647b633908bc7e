package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS handles (
	conversation_id    TEXT PRIMARY KEY,
	agent_id           TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	backend_session_id TEXT NOT NULL,
	parent_id          TEXT NOT NULL DEFAULT '',
	generation         INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	last_used_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handles_last_used ON handles(last_used_at);
CREATE TABLE IF NOT EXISTS tombstones (
	conversation_id TEXT PRIMARY KEY,
	replaced_by     TEXT NOT NULL DEFAULT '',
	retired_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tombstones_retired ON tombstones(retired_at);
`

// SQLiteStore keeps handles in a SQLite database so several gateway
// instances can share one file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite session store opened")

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (*Handle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, agent_id, user_id, backend_session_id, parent_id, generation, created_at, last_used_at
		FROM handles WHERE conversation_id = ?`, conversationID)

	var (
		h                 Handle
		created, lastUsed int64
	)
	err := row.Scan(&h.ConversationID, &h.AgentID, &h.UserID, &h.BackendSessionID, &h.ParentID, &h.Generation, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handle: %w", err)
	}
	h.CreatedAt = time.UnixMilli(created)
	h.LastUsedAt = time.UnixMilli(lastUsed)
	return &h, nil
}

func (s *SQLiteStore) Put(ctx context.Context, h *Handle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handles (conversation_id, agent_id, user_id, backend_session_id, parent_id, generation, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			backend_session_id = excluded.backend_session_id,
			parent_id = excluded.parent_id,
			generation = excluded.generation,
			last_used_at = excluded.last_used_at`,
		h.ConversationID, h.AgentID, h.UserID, h.BackendSessionID, h.ParentID, h.Generation,
		h.CreatedAt.UnixMilli(), h.LastUsedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save handle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM handles WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete handle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteIdle(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM handles WHERE last_used_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle handles: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Tombstone(ctx context.Context, conversationID, replacedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM handles WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete handle: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tombstones (conversation_id, replaced_by, retired_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			replaced_by = excluded.replaced_by,
			retired_at = excluded.retired_at`,
		conversationID, replacedBy, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record tombstone: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Retired(ctx context.Context, conversationID string) (string, bool, error) {
	var replacedBy string
	err := s.db.QueryRowContext(ctx, `SELECT replaced_by FROM tombstones WHERE conversation_id = ?`, conversationID).Scan(&replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return replacedBy, true, nil
}

func (s *SQLiteStore) PruneTombstones(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE retired_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
