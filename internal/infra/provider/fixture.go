package provider

import (
	"context"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
)

// FixtureAdapter is a deterministic test-seam adapter: it returns fixed
// text and token counts instead of calling an upstream model. Used to
// exercise the router and session fabric end to end without a live
// provider credential.
type FixtureAdapter struct {
	Text          string
	PromptTokens  int
	OutputTokens  int
	TotalTokens   int
	Enabled       bool
	DefaultDelay  time.Duration
}

// NewFixtureAdapter returns the canonical fixture: fixed text and
// token counts (25, 12, 37).
func NewFixtureAdapter() *FixtureAdapter {
	return &FixtureAdapter{
		Text:         "hello from the fixture provider",
		PromptTokens: 25,
		OutputTokens: 12,
		TotalTokens:  37,
		Enabled:      true,
	}
}

// IsEnabled reports whether the fixture currently accepts requests.
func (f *FixtureAdapter) IsEnabled() bool { return f.Enabled }

// Send returns the fixed response after an optional simulated delay.
func (f *FixtureAdapter) Send(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if f.DefaultDelay > 0 {
		select {
		case <-time.After(f.DefaultDelay):
		case <-ctx.Done():
			return domain.ChatResponse{}, ctx.Err()
		}
	}
	return domain.ChatResponse{
		Content:     f.Text,
		Model:       req.Model,
		TotalTokens: f.TotalTokens,
	}, nil
}

// Stream yields the fixed text as a single Content chunk followed by a
// Metadata chunk, matching the tagged-variant streaming contract.
func (f *FixtureAdapter) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	out := make(chan domain.StreamChunk, 2)
	go func() {
		defer close(out)
		select {
		case out <- domain.StreamChunk{Kind: domain.ChunkContent, Text: f.Text}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- domain.StreamChunk{Kind: domain.ChunkMetadata, Metadata: map[string]string{"total_tokens": "37"}}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
