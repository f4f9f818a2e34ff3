package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/tutu-network/tutumesh/internal/domain"
)

type stubAdapter struct {
	enabled bool
	err     error
	resp    domain.ChatResponse
}

func (s *stubAdapter) IsEnabled() bool { return s.enabled }
func (s *stubAdapter) Send(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if s.err != nil {
		return domain.ChatResponse{}, s.err
	}
	return s.resp, nil
}
func (s *stubAdapter) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk)
	close(ch)
	return ch, nil
}

func cap(caps ...domain.Capability) map[domain.Capability]struct{} {
	m := make(map[domain.Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return m
}

func TestSelectPreferredProviderOverride(t *testing.T) {
	r := New([]Entry{
		{Provider: domain.Provider{ID: "a", Priority: 10}, Adapter: &stubAdapter{enabled: true}},
		{Provider: domain.Provider{ID: "b", Priority: 1}, Adapter: &stubAdapter{enabled: true}},
	}, 0)

	entry, err := r.Select(nil, "b", "")
	if err != nil || entry.Provider.ID != "b" {
		t.Fatalf("expected preferred provider b, got %+v err=%v", entry, err)
	}
}

func TestSelectNoSuitableProvider(t *testing.T) {
	r := New([]Entry{
		{Provider: domain.Provider{ID: "a", Capabilities: cap(domain.CapVision)}, Adapter: &stubAdapter{enabled: true}},
	}, 0)

	_, err := r.Select(cap(domain.CapCoding), "", "")
	if !errors.Is(err, domain.ErrNoSuitableProvider) {
		t.Fatalf("expected ErrNoSuitableProvider, got %v", err)
	}
}

func TestSelectLocalPreference(t *testing.T) {
	r := New([]Entry{
		{Provider: domain.Provider{ID: "cloud", Priority: 100, Capabilities: cap(domain.CapCoding)}, Adapter: &stubAdapter{enabled: true}},
		{Provider: domain.Provider{ID: "local", Priority: 1, Capabilities: cap(domain.CapCoding, domain.CapLocal)}, Adapter: &stubAdapter{enabled: true}},
	}, 0)

	entry, err := r.Select(cap(domain.CapCoding, domain.CapLocal), "", "")
	if err != nil || entry.Provider.ID != "local" {
		t.Fatalf("expected local provider despite lower priority, got %+v err=%v", entry, err)
	}
}

func TestSelectCheapPreference(t *testing.T) {
	r := New([]Entry{
		{Provider: domain.Provider{ID: "expensive", Priority: 100, CostTier: domain.CostHigh}, Adapter: &stubAdapter{enabled: true}},
		{Provider: domain.Provider{ID: "budget", Priority: 1, CostTier: domain.CostLow}, Adapter: &stubAdapter{enabled: true}},
	}, 0)

	entry, err := r.Select(cap(domain.CapCheap), "", "")
	if err != nil || entry.Provider.ID != "budget" {
		t.Fatalf("expected low cost tier preferred, got %+v err=%v", entry, err)
	}
}

func TestSelectHighestPriorityTieBreak(t *testing.T) {
	r := New([]Entry{
		{Provider: domain.Provider{ID: "first", Priority: 5}, Adapter: &stubAdapter{enabled: true}},
		{Provider: domain.Provider{ID: "second", Priority: 5}, Adapter: &stubAdapter{enabled: true}},
	}, 0)

	entry, err := r.Select(nil, "", "")
	if err != nil || entry.Provider.ID != "first" {
		t.Fatalf("expected first-declared on tie, got %+v err=%v", entry, err)
	}
}

func TestSendFallsBackOnTransientError(t *testing.T) {
	r := New([]Entry{
		{Provider: domain.Provider{ID: "a", Priority: 10}, Adapter: &stubAdapter{enabled: true, err: errors.New("network error")}},
		{Provider: domain.Provider{ID: "b", Priority: 1}, Adapter: &stubAdapter{enabled: true, resp: domain.ChatResponse{Content: "from b"}}},
	}, 0)

	resp, err := r.Send(context.Background(), domain.ChatRequest{}, nil, "")
	if err != nil {
		t.Fatalf("expected fallback to succeed, got err=%v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("expected response from provider b, got %q", resp.Content)
	}
}

func TestSendDoesNotFallBackOnSemanticError(t *testing.T) {
	semErr := &SemanticError{Err: errors.New("authentication rejected")}
	r := New([]Entry{
		{Provider: domain.Provider{ID: "a", Priority: 10}, Adapter: &stubAdapter{enabled: true, err: semErr}},
		{Provider: domain.Provider{ID: "b", Priority: 1}, Adapter: &stubAdapter{enabled: true, resp: domain.ChatResponse{Content: "from b"}}},
	}, 0)

	_, err := r.Send(context.Background(), domain.ChatRequest{}, nil, "")
	if !IsSemantic(err) {
		t.Fatalf("expected semantic error to propagate without fallback, got %v", err)
	}
}

func TestNormalizedBudgetDefaultsAndClamps(t *testing.T) {
	if got := normalizedBudget(0, 0); got != defaultThinkingBudget {
		t.Errorf("expected default budget %d, got %d", defaultThinkingBudget, got)
	}
	if got := normalizedBudget(20000, 10000); got != 10000 {
		t.Errorf("expected clamp to model max 10000, got %d", got)
	}
	if got := normalizedBudget(500, 10000); got != 500 {
		t.Errorf("expected caller request under max to pass through, got %d", got)
	}
}

func TestBuildRequestDisablesTemperatureForThinking(t *testing.T) {
	req := domain.ChatRequest{ExtendedThink: true, Temperature: 0.7}
	out := buildRequest(req, 0)
	if out.Temperature != 0 {
		t.Errorf("expected temperature disabled in thinking mode, got %v", out.Temperature)
	}
	if out.BudgetTokens != defaultThinkingBudget {
		t.Errorf("expected default budget applied, got %d", out.BudgetTokens)
	}
}
