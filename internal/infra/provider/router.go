// Package provider implements capability-based routing across heterogeneous
// upstream LLM providers: selection, one-retry fallback, role normalization,
// and extended-thinking budget defaulting. Adapted from the teacher's HTTP
// client plumbing (context-scoped requests, bounded timeouts) generalized
// from a single upstream to a routed set of provider adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/metrics"
)

// defaultThinkingBudget is used when extended thinking is requested without
// an explicit budget_tokens value.
const defaultThinkingBudget = 8000

// SemanticError wraps a provider error that must propagate to the client
// unchanged rather than trigger fallback (authentication rejection, content
// policy violation, and similar non-transient failures).
type SemanticError struct {
	Err error
}

func (e *SemanticError) Error() string { return e.Err.Error() }
func (e *SemanticError) Unwrap() error { return e.Err }

// IsSemantic reports whether err should be surfaced to the client instead
// of triggering fallback.
func IsSemantic(err error) bool {
	var se *SemanticError
	return errors.As(err, &se)
}

// Entry binds a provider's capability record to its adapter implementation.
// Router preserves the order Entries are registered in: it is the
// first-declared order used to break priority and cost-tier ties.
type Entry struct {
	Provider domain.Provider
	Adapter  domain.ProviderAdapter
}

// Router selects and invokes upstream provider adapters per request.
type Router struct {
	entries []Entry
	timeout time.Duration
}

// New creates a Router over the given entries, preserving registration order.
func New(entries []Entry, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Router{entries: entries, timeout: timeout}
}

// Entries returns the registered provider entries in registration order,
// for read-only inspection (spec §4.3 query surface: list_providers,
// list_models). Callers must not mutate the returned slice's Provider
// values.
func (r *Router) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// enabledCandidates returns entries whose adapter is enabled and whose
// provider capability set is a superset of want, preserving order.
func (r *Router) enabledCandidates(want map[domain.Capability]struct{}) []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Adapter.IsEnabled() {
			continue
		}
		if e.Provider.HasCapabilities(want) {
			out = append(out, e)
		}
	}
	return out
}

// Select runs the selection algorithm: preferred provider override, then
// capability subset match, then local preference, then cheap preference,
// then highest declared priority (ties by first-declared order).
func (r *Router) Select(want map[domain.Capability]struct{}, preferred string, exclude string) (Entry, error) {
	if preferred != "" && preferred != exclude {
		for _, e := range r.entries {
			if e.Provider.ID == preferred && e.Adapter.IsEnabled() {
				return e, nil
			}
		}
	}

	candidates := r.enabledCandidates(want)
	filtered := candidates[:0:0]
	for _, e := range candidates {
		if e.Provider.ID == exclude {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		return Entry{}, domain.ErrNoSuitableProvider
	}

	if _, wantsLocal := want[domain.CapLocal]; wantsLocal {
		for _, e := range filtered {
			if _, ok := e.Provider.Capabilities[domain.CapLocal]; ok {
				return e, nil
			}
		}
	}

	if _, wantsCheap := want[domain.CapCheap]; wantsCheap {
		for _, e := range filtered {
			if e.Provider.CostTier == domain.CostLow {
				return e, nil
			}
		}
	}

	best := filtered[0]
	for _, e := range filtered[1:] {
		if e.Provider.Priority > best.Provider.Priority {
			best = e
		}
	}
	return best, nil
}

// normalizedBudget clamps a requested extended-thinking budget to
// [1, modelMax], defaulting to defaultThinkingBudget when unset.
func normalizedBudget(requested, modelMax int) int {
	if requested <= 0 {
		requested = defaultThinkingBudget
	}
	if modelMax > 0 && requested > modelMax {
		requested = modelMax
	}
	return requested
}

// buildRequest normalizes a caller's request before dispatch: applies the
// extended-thinking budget default and clamp and disables temperature when
// thinking mode is active, per the spec's determinism requirement. Send and
// Stream pass a modelMax of 0, as providers carry no per-model budget
// maximum, so the budget is defaulted but not clamped.
func buildRequest(req domain.ChatRequest, modelMax int) domain.ChatRequest {
	out := req
	if out.ExtendedThink {
		out.BudgetTokens = normalizedBudget(out.BudgetTokens, modelMax)
		out.Temperature = 0
	}
	return out
}

// Send picks a provider, invokes it, and on transient failure retries once
// against a different candidate with preferred excluded. Semantic errors
// propagate unchanged without a fallback attempt.
func (r *Router) Send(ctx context.Context, req domain.ChatRequest, want map[domain.Capability]struct{}, preferred string) (domain.ChatResponse, error) {
	entry, err := r.Select(want, preferred, "")
	if err != nil {
		return domain.ChatResponse{}, err
	}

	resp, err := r.invoke(ctx, entry, req)
	if err == nil {
		return resp, nil
	}
	if IsSemantic(err) {
		return domain.ChatResponse{}, err
	}

	metrics.ProviderFallbacks.Inc()
	log.Printf("[provider] %s failed (%v), attempting fallback", entry.Provider.ID, err)

	fallback, ferr := r.Select(want, "", entry.Provider.ID)
	if ferr != nil {
		return domain.ChatResponse{}, err
	}
	return r.invoke(ctx, fallback, req)
}

func (r *Router) invoke(ctx context.Context, entry Entry, req domain.ChatRequest) (domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	normalized := buildRequest(req, 0)
	resp, err := entry.Adapter.Send(ctx, normalized)
	latency := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderRequests.WithLabelValues(entry.Provider.ID, outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(entry.Provider.ID).Observe(float64(latency.Milliseconds()))

	if err != nil {
		if IsSemantic(err) {
			return domain.ChatResponse{}, err
		}
		return domain.ChatResponse{}, fmt.Errorf("%w: %s: %v", domain.ErrProviderError, entry.Provider.ID, err)
	}
	resp.LatencyMs = latency.Milliseconds()
	return resp, nil
}

// Stream picks a provider and returns its chunk stream unmodified; callers
// are responsible for forwarding chunks without buffering the full sequence.
func (r *Router) Stream(ctx context.Context, req domain.ChatRequest, want map[domain.Capability]struct{}, preferred string) (<-chan domain.StreamChunk, error) {
	entry, err := r.Select(want, preferred, "")
	if err != nil {
		return nil, err
	}
	normalized := buildRequest(req, 0)
	metrics.ProviderRequests.WithLabelValues(entry.Provider.ID, "stream").Inc()
	return entry.Adapter.Stream(ctx, normalized)
}
