// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// ─── Gossip / Membership Types ──────────────────────────────────────────────

// PeerState is the membership state of a node as seen by the gossip engine.
type PeerState int

const (
	PeerAlive PeerState = iota
	PeerSuspect
	PeerDead
	PeerLeft
)

// String returns a human-readable state label.
func (s PeerState) String() string {
	switch s {
	case PeerAlive:
		return "ALIVE"
	case PeerSuspect:
		return "SUSPECT"
	case PeerDead:
		return "DEAD"
	case PeerLeft:
		return "LEFT"
	default:
		return "UNKNOWN"
	}
}

// Node is a peer participating in gossip membership.
type Node struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Port        uint16    `json:"port"`
	State       PeerState `json:"state"`
	Incarnation uint64    `json:"incarnation"`
	LastSeen    time.Time `json:"last_seen"`
	IsLeader    bool      `json:"is_leader"`
	IsLocal     bool      `json:"is_local,omitempty"`
}

// ─── Election Types ─────────────────────────────────────────────────────────

// Role is a coordinator's position in the term-based election protocol.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

// String returns a human-readable role label.
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// ─── Task Types ──────────────────────────────────────────────────────────────

// TaskKind identifies the category of leader-distributed work.
type TaskKind string

const (
	TaskAIRequest   TaskKind = "AIRequest"
	TaskMemorySync  TaskKind = "MemorySync"
	TaskBroadcast   TaskKind = "Broadcast"
	TaskHealthCheck TaskKind = "HealthCheck"
)

// TaskStatus is the lifecycle stage of a Task.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskProcessing
	TaskCompleted
	TaskFailed
)

// String returns a human-readable status label.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "PENDING"
	case TaskProcessing:
		return "PROCESSING"
	case TaskCompleted:
		return "COMPLETED"
	case TaskFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Task is a unit of leader-distributed work.
type Task struct {
	ID        string    `json:"id"`
	Kind      TaskKind  `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Status    TaskStatus `json:"status"`
	Err       string    `json:"error,omitempty"`
}

// Expired reports whether the task has passed its deadline.
func (t Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// ─── Session Types ───────────────────────────────────────────────────────────

// SessionState is the lifecycle stage of a client session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionAuthenticated
	SessionActive
	SessionDisconnected
)

// String returns a human-readable state label.
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "CONNECTING"
	case SessionAuthenticated:
		return "AUTHENTICATED"
	case SessionActive:
		return "ACTIVE"
	case SessionDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ─── Conversation / Memory Types ────────────────────────────────────────────

// MessageRole identifies who (or what) produced a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleThinking  MessageRole = "thinking"
)

// Message is one entry in a Conversation's append-only log.
type Message struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversation_id"`
	SessionID       string      `json:"session_id,omitempty"`
	Role            MessageRole `json:"role"`
	Content         string      `json:"content"`
	ThinkingContent string      `json:"thinking_content,omitempty"`
	Provider        string      `json:"provider,omitempty"`
	Model           string      `json:"model,omitempty"`
	IsCodeEdit      bool        `json:"is_code_edit"`
	TokensUsed      int         `json:"tokens_used,omitempty"`
	LatencyMs       int64       `json:"latency_ms,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Conversation is an append-only ordered list of Messages scoped to a user
// and optionally a session.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryCategory classifies a SessionMemory entry.
type MemoryCategory string

const (
	CategoryFact        MemoryCategory = "fact"
	CategoryPreference  MemoryCategory = "preference"
	CategoryContext     MemoryCategory = "context"
	CategoryInstruction MemoryCategory = "instruction"
	CategorySummary     MemoryCategory = "summary"
	CategoryCodeContext MemoryCategory = "code_context"
)

// SessionMemory is a distilled fact attached to a session.
type SessionMemory struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Category       MemoryCategory `json:"category"`
	Content        string         `json:"content"`
	Importance     float64        `json:"importance"` // [0,1]
	RecallCount    int            `json:"recall_count"`
	LastRecalledAt time.Time      `json:"last_recalled_at,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Expired reports whether the memory has passed its TTL.
func (m SessionMemory) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// ChainOfThoughtStep is one reasoning step recorded for a message.
type ChainOfThoughtStep struct {
	ID         string  `json:"id"`
	MessageID  string  `json:"message_id"`
	StepNumber int     `json:"step_number"`
	ThoughtType string `json:"thought_type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// SessionContinuity lets a client resume a session after reconnecting.
type SessionContinuity struct {
	SessionID      string `json:"session_id"`
	LastMessageID  string `json:"last_message_id"`
	ContextSummary string `json:"context_summary"`
	ResumePrompt   string `json:"resume_prompt"`
}

// ─── Provider Types ──────────────────────────────────────────────────────────

// Capability is a provider feature flag used by the routing algorithm.
type Capability string

const (
	CapReasoning Capability = "reasoning"
	CapCoding    Capability = "coding"
	CapFast      Capability = "fast"
	CapCheap     Capability = "cheap"
	CapLocal     Capability = "local"
	CapVision    Capability = "vision"
)

// CostTier classifies a provider's relative pricing.
type CostTier string

const (
	CostLow    CostTier = "low"
	CostMedium CostTier = "medium"
	CostHigh   CostTier = "high"
)

// Provider is a process-wide, read-only-after-init capability record for an
// upstream LLM provider.
type Provider struct {
	ID           string
	Capabilities map[Capability]struct{}
	Priority     int
	CostTier     CostTier
	DefaultModel string
}

// HasCapabilities reports whether p declares every capability in want.
func (p Provider) HasCapabilities(want map[Capability]struct{}) bool {
	for c := range want {
		if _, ok := p.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}
