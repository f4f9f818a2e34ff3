// Package memory implements the conversation and session-memory store
// (spec §4.6): SQLite persistence via modernc.org/sqlite, raw SQL migrations
// in the teacher's phase-file style, FTS5 full-text search over messages
// and session_memories, and a bounded per-session LRU hot cache.
package memory

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the underlying SQL connection and exposes the store's
// migrations and query methods.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path and runs every migration.
// Pass ":memory:" for an ephemeral in-process database (used by tests and
// by single-node deployments that don't need durability across restarts).
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids
	// "database is locked" errors under concurrent access.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate() error {
	for _, stmt := range migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}

// migrations returns the schema migration statements. Each string is a
// single SQL statement (SQLite executes one at a time), matching the
// conceptual tables from spec §4.6.
func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL DEFAULT '',
			provider      TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			max_messages  INTEGER NOT NULL DEFAULT 1000,
			is_active     INTEGER NOT NULL DEFAULT 1,
			metadata      TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			session_id TEXT,
			user_id    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			session_id       TEXT,
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			thinking_content TEXT NOT NULL DEFAULT '',
			provider         TEXT NOT NULL DEFAULT '',
			model            TEXT NOT NULL DEFAULT '',
			is_code_edit     INTEGER NOT NULL DEFAULT 0,
			tokens_used      INTEGER NOT NULL DEFAULT 0,
			latency_ms       INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,

		`CREATE TABLE IF NOT EXISTS session_memories (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			user_id          TEXT NOT NULL DEFAULT '',
			category         TEXT NOT NULL,
			content          TEXT NOT NULL,
			importance       REAL NOT NULL DEFAULT 0,
			recall_count     INTEGER NOT NULL DEFAULT 0,
			last_recalled_at TEXT,
			expires_at       TEXT,
			created_at       TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON session_memories(session_id, importance DESC)`,

		`CREATE TABLE IF NOT EXISTS chain_of_thought (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			thought_type TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			confidence  REAL NOT NULL DEFAULT 0,
			UNIQUE(message_id, step_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cot_message ON chain_of_thought(message_id)`,

		`CREATE TABLE IF NOT EXISTS session_continuity (
			session_id      TEXT PRIMARY KEY,
			last_message_id TEXT NOT NULL DEFAULT '',
			context_summary TEXT NOT NULL DEFAULT '',
			resume_prompt   TEXT NOT NULL DEFAULT '',
			updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// FTS5 external-content tables: each mirrors the base table's rowid
		// (messages/session_memories use TEXT primary keys but still carry
		// an implicit integer rowid) so search hits join back without a
		// second copy of the text living in the index.
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content, content='messages', content_rowid='rowid'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, content='session_memories', content_rowid='rowid'
		)`,

		`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON session_memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON session_memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE ON session_memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
}
