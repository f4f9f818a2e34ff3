package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
)

// RoleMapper translates a normalized MessageRole into whatever string an
// upstream API expects. Whether system-role messages are pulled out of the
// message array into a separate top-level field is decided by
// HTTPAdapterConfig.SystemAsField, not by the mapper (spec §4.5 message
// normalization).
type RoleMapper func(domain.MessageRole) string

// HTTPAdapterConfig configures a generic HTTP-backed provider adapter.
type HTTPAdapterConfig struct {
	ProviderID     string
	BaseURL        string
	APIKey         string
	Enabled        bool
	SystemAsField  bool
	RoleMapper     RoleMapper
	Client         *http.Client
}

// HTTPAdapter is a ProviderAdapter backed by a remote HTTP chat completion
// endpoint, shaped generically enough to cover the request bodies of
// Anthropic/OpenAI-style APIs via the RoleMapper and SystemAsField knobs.
type HTTPAdapter struct {
	cfg    HTTPAdapterConfig
	client *http.Client
}

// NewHTTPAdapter constructs an HTTPAdapter from cfg, defaulting the HTTP
// client timeout when unset.
func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.RoleMapper == nil {
		cfg.RoleMapper = func(r domain.MessageRole) string { return string(r) }
	}
	return &HTTPAdapter{cfg: cfg, client: client}
}

// IsEnabled reports whether this adapter currently accepts requests.
func (a *HTTPAdapter) IsEnabled() bool { return a.cfg.Enabled }

type httpChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpChatBody struct {
	Model       string             `json:"model"`
	Messages    []httpChatMessage  `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	BudgetTokens int               `json:"budget_tokens,omitempty"`
}

func (a *HTTPAdapter) buildBody(req domain.ChatRequest) httpChatBody {
	body := httpChatBody{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.ExtendedThink {
		body.BudgetTokens = req.BudgetTokens
	}

	system := req.System
	for _, m := range req.Messages {
		if a.cfg.SystemAsField && m.Role == domain.RoleSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		body.Messages = append(body.Messages, httpChatMessage{
			Role:    a.cfg.RoleMapper(m.Role),
			Content: m.Content,
		})
	}
	body.System = system
	return body
}

type httpChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Send issues a blocking chat completion request.
func (a *HTTPAdapter) Send(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	payload, err := json.Marshal(a.buildBody(req))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ChatResponse{}, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.ChatResponse{}, &SemanticError{Err: fmt.Errorf("%s: %s", resp.Status, string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ChatResponse{}, fmt.Errorf("%s: %s", resp.Status, string(body))
	}

	var parsed httpChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}

	return domain.ChatResponse{
		Content:     parsed.Content,
		Model:       parsed.Model,
		TotalTokens: parsed.Usage.TotalTokens,
	}, nil
}

// Stream does not read the upstream response incrementally: it performs a
// blocking Send and delivers the whole reply as a single Content chunk, or
// a single Error chunk when Send fails.
func (a *HTTPAdapter) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	out := make(chan domain.StreamChunk, 1)
	resp, err := a.Send(ctx, req)
	if err != nil {
		out <- domain.StreamChunk{Kind: domain.ChunkError, Err: err}
		close(out)
		return out, nil
	}
	go func() {
		defer close(out)
		select {
		case out <- domain.StreamChunk{Kind: domain.ChunkContent, Text: resp.Content}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
