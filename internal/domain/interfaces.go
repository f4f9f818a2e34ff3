package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// StreamChunkKind tags a unit of a provider's streamed response.
type StreamChunkKind int

const (
	ChunkContent StreamChunkKind = iota
	ChunkThinking
	ChunkMetadata
	ChunkError
)

// StreamChunk is one tagged-variant element of a provider's response stream.
type StreamChunk struct {
	Kind     StreamChunkKind
	Text     string
	Metadata map[string]string
	Err      error
}

// ChatRequest is a normalized chat completion request handed to a provider
// adapter after routing and role normalization.
type ChatRequest struct {
	Model           string
	Messages        []Message
	System          string
	Stream          bool
	ExtendedThink   bool
	BudgetTokens    int
	Temperature     float32
}

// ChatResponse is a provider's non-streaming reply.
type ChatResponse struct {
	Content      string
	Model        string
	ThinkingText string
	TotalTokens  int
	LatencyMs    int64
}

// ProviderAdapter abstracts a single upstream LLM provider implementation.
type ProviderAdapter interface {
	// Send performs a blocking chat completion.
	Send(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Stream performs a streaming chat completion. The returned channel is
	// closed when the stream terminates (clean end, error, or cancellation).
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// IsEnabled reports whether the provider currently accepts requests.
	IsEnabled() bool
}

// IdentityStore verifies client credentials (external collaborator, §6).
type IdentityStore interface {
	VerifyToken(ctx context.Context, clientID, token string) (bool, error)
}

// TaskBackend executes a single Task's payload (used by the task queue
// drain loop run by the leader).
type TaskBackend interface {
	Execute(ctx context.Context, task Task) (result []byte, err error)
}
