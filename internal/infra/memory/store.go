package memory

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateSession inserts a new session row.
func (db *DB) CreateSession(id, userID, provider, model, systemPrompt string, maxMessages int) error {
	_, err := db.db.Exec(`
		INSERT INTO sessions (id, user_id, provider, model, system_prompt, max_messages)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id       = excluded.user_id,
			provider      = excluded.provider,
			model         = excluded.model,
			system_prompt = excluded.system_prompt,
			max_messages  = excluded.max_messages,
			updated_at    = datetime('now')
	`, id, userID, provider, model, systemPrompt, maxMessages)
	return err
}

// DeactivateSession marks a session inactive without deleting its history.
func (db *DB) DeactivateSession(id string) error {
	_, err := db.db.Exec(`UPDATE sessions SET is_active = 0, updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

// CreateConversation inserts a new conversation row.
func (db *DB) CreateConversation(id, sessionID, userID string) error {
	_, err := db.db.Exec(`
		INSERT INTO conversations (id, session_id, user_id) VALUES (?, ?, ?)
	`, id, sessionID, userID)
	return err
}

// messageCount returns the number of non-code-edit messages for a session,
// used for the spec §4.6 capping check.
func (db *DB) messageCount(sessionID string) (int, error) {
	var count int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE session_id = ? AND is_code_edit = 0
	`, sessionID).Scan(&count)
	return count, err
}

// AppendMessage inserts a message. When the session's non-code-edit message
// count would exceed MAX_MESSAGES_PER_SESSION, the write is still accepted
// and a warning is logged — compaction is the caller's responsibility
// (spec §4.6 capping).
func (db *DB) AppendMessage(msg domain.Message, maxMessagesPerSession int) error {
	if !msg.IsCodeEdit && maxMessagesPerSession > 0 {
		count, err := db.messageCount(msg.SessionID)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		if count >= maxMessagesPerSession {
			log.Printf("[memory] session %s exceeds %d non-code-edit messages (%d); accepting write, caller should compact", msg.SessionID, maxMessagesPerSession, count+1)
		}
	}

	_, err := db.db.Exec(`
		INSERT INTO messages (id, conversation_id, session_id, role, content, thinking_content, provider, model, is_code_edit, tokens_used, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SessionID, string(msg.Role), msg.Content, msg.ThinkingContent,
		msg.Provider, msg.Model, boolToInt(msg.IsCodeEdit), msg.TokensUsed, msg.LatencyMs)
	return err
}

// RecentMessages returns the most recent n messages for a session in
// chronological order.
func (db *DB) RecentMessages(sessionID string, n int) ([]domain.Message, error) {
	rows, err := db.db.Query(`
		SELECT id, conversation_id, session_id, role, content, thinking_content, provider, model, is_code_edit, tokens_used, latency_ms, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, createdAt string
		var isCodeEdit int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SessionID, &role, &m.Content, &m.ThinkingContent,
			&m.Provider, &m.Model, &isCodeEdit, &m.TokensUsed, &m.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		m.Role = domain.MessageRole(role)
		m.IsCodeEdit = isCodeEdit != 0
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// InsertMemory writes a new session memory row.
func (db *DB) InsertMemory(m domain.SessionMemory) error {
	var expiresAt sql.NullString
	if !m.ExpiresAt.IsZero() {
		expiresAt = sql.NullString{String: m.ExpiresAt.Format(timeLayout), Valid: true}
	}
	_, err := db.db.Exec(`
		INSERT INTO session_memories (id, session_id, user_id, category, content, importance, recall_count, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.UserID, string(m.Category), m.Content, m.Importance, m.RecallCount, expiresAt)
	return err
}

// TopMemoriesBySession returns up to limit memories for a session ordered
// by importance desc then recency, used to rehydrate the hot cache on
// resume (spec §4.6 Resume).
func (db *DB) TopMemoriesBySession(sessionID string, limit int) ([]domain.SessionMemory, error) {
	rows, err := db.db.Query(`
		SELECT id, session_id, user_id, category, content, importance, recall_count, last_recalled_at, expires_at, created_at
		FROM session_memories WHERE session_id = ?
		ORDER BY importance DESC, created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]domain.SessionMemory, error) {
	var out []domain.SessionMemory
	for rows.Next() {
		var m domain.SessionMemory
		var category, createdAt string
		var lastRecalled, expiresAt sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &category, &m.Content, &m.Importance,
			&m.RecallCount, &lastRecalled, &expiresAt, &createdAt); err != nil {
			return nil, err
		}
		m.Category = domain.MemoryCategory(category)
		m.CreatedAt = parseTime(createdAt)
		if lastRecalled.Valid {
			m.LastRecalledAt = parseTime(lastRecalled.String)
		}
		if expiresAt.Valid {
			m.ExpiresAt = parseTime(expiresAt.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchMemories runs an FTS5 match over session_memories.content scoped to
// a session, returning the top limit hits ranked by FTS rank then
// importance, and bumps recall_count/last_recalled_at as a side effect
// (spec §4.6 Search).
func (db *DB) SearchMemories(sessionID, query string, limit int) ([]domain.SessionMemory, error) {
	rows, err := db.db.Query(`
		SELECT m.id, m.session_id, m.user_id, m.category, m.content, m.importance, m.recall_count, m.last_recalled_at, m.expires_at, m.created_at
		FROM session_memories m
		JOIN memories_fts f ON f.rowid = m.rowid
		WHERE m.session_id = ? AND memories_fts MATCH ?
		ORDER BY bm25(memories_fts), m.importance DESC
		LIMIT ?
	`, sessionID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	hits, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}

	for _, hit := range hits {
		if _, err := db.db.Exec(`
			UPDATE session_memories SET recall_count = recall_count + 1, last_recalled_at = datetime('now')
			WHERE id = ?
		`, hit.ID); err != nil {
			return nil, fmt.Errorf("bump recall for %s: %w", hit.ID, err)
		}
	}
	return hits, nil
}

// SaveContinuity upserts a session's continuity record.
func (db *DB) SaveContinuity(c domain.SessionContinuity) error {
	_, err := db.db.Exec(`
		INSERT INTO session_continuity (session_id, last_message_id, context_summary, resume_prompt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			context_summary = excluded.context_summary,
			resume_prompt   = excluded.resume_prompt,
			updated_at      = datetime('now')
	`, c.SessionID, c.LastMessageID, c.ContextSummary, c.ResumePrompt)
	return err
}

// GetContinuity retrieves a session's continuity record, if present.
func (db *DB) GetContinuity(sessionID string) (domain.SessionContinuity, bool, error) {
	var c domain.SessionContinuity
	c.SessionID = sessionID
	err := db.db.QueryRow(`
		SELECT last_message_id, context_summary, resume_prompt FROM session_continuity WHERE session_id = ?
	`, sessionID).Scan(&c.LastMessageID, &c.ContextSummary, &c.ResumePrompt)
	if err == sql.ErrNoRows {
		return domain.SessionContinuity{}, false, nil
	}
	if err != nil {
		return domain.SessionContinuity{}, false, err
	}
	return c, true, nil
}

// StoreChainOfThought writes every step of a reasoning trace in a single
// transaction: either all rows commit or none do (spec §4.6 failure
// semantics).
func (db *DB) StoreChainOfThought(messageID string, steps []domain.ChainOfThoughtStep) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range steps {
		if _, err := tx.Exec(`
			INSERT INTO chain_of_thought (message_id, step_number, thought_type, content, confidence)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(message_id, step_number) DO UPDATE SET
				thought_type = excluded.thought_type,
				content      = excluded.content,
				confidence   = excluded.confidence
		`, messageID, s.StepNumber, s.ThoughtType, s.Content, s.Confidence); err != nil {
			return fmt.Errorf("insert step %d: %w", s.StepNumber, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
