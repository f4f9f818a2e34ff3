// Package session implements the bidirectional session fabric (spec §4.3):
// per-client state machine, authentication, rate limiting, subscription
// sets, backpressure-bounded outbound delivery, and routing of MESSAGE,
// QUERY, SUBSCRIBE/UNSUBSCRIBE, and AI-request envelopes. Adapted from the
// teacher's concurrent worker idioms (long-lived read loop plus a
// dedicated monitor goroutine) generalized from task execution to
// per-connection envelope dispatch.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/envelope"
	"github.com/tutu-network/tutumesh/internal/infra/dsa"
	"github.com/tutu-network/tutumesh/internal/metrics"
)

// OutboundQueueDepth is the default bound on a session's outbound queue
// before it is considered a slow client and closed (spec §4.3, §5).
const OutboundQueueDepth = 256

// Config controls per-session tunables.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OutboundDepth     int
	RateLimit         RateLimiterConfig
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		OutboundDepth:     OutboundQueueDepth,
		RateLimit:         DefaultRateLimiterConfig(),
	}
}

// Session is one client's bidirectional connection and lifecycle state.
type Session struct {
	ID       string
	ClientID string

	mu            sync.Mutex
	state         domain.SessionState
	subscriptions map[string]struct{}
	lastActivity  time.Time

	transport Transport
	cfg       Config

	outbound   *dsa.PriorityQueue
	outboundCh chan struct{}
	seen       *dsa.BloomFilter
	limiter    *tokenBucket

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
}

// New creates a Session in the Connecting state, over transport.
func New(id, clientID string, transport Transport, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:            id,
		ClientID:      clientID,
		state:         domain.SessionConnecting,
		subscriptions: make(map[string]struct{}),
		lastActivity:  time.Now(),
		transport:     transport,
		cfg:           cfg,
		outbound:      dsa.NewPriorityQueue(dsa.DefaultPriorityQueueConfig()),
		outboundCh:    make(chan struct{}, 1),
		seen:          dsa.NewBloomFilter(dsa.DefaultBloomConfig()),
		limiter:       newTokenBucket(cfg.RateLimit),
		closed:        make(chan struct{}),
		cancel:        cancel,
	}
	go s.writeLoop(ctx)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st domain.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Touch refreshes last-activity, called for every inbound envelope
// (spec §4.3 Heartbeat: "any envelope refreshes last-activity").
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long it has been since the last inbound envelope.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Subscribe adds a group to this session's subscription set.
func (s *Session) Subscribe(group string) {
	s.mu.Lock()
	s.subscriptions[group] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes a group from this session's subscription set.
func (s *Session) Unsubscribe(group string) {
	s.mu.Lock()
	delete(s.subscriptions, group)
	s.mu.Unlock()
}

// SubscribedTo reports whether this session is currently subscribed to group.
func (s *Session) SubscribedTo(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[group]
	return ok
}

// AllowEnvelope consumes one point from the rate limiter.
func (s *Session) AllowEnvelope() bool { return s.limiter.Allow() }

// SeenBefore reports whether this messageId was already observed on this
// session, inserting it if not. Used to short-circuit obvious at-least-once
// redelivery before it reaches routing (spec §1 Non-goals: delivery is
// at-least-once).
func (s *Session) SeenBefore(messageID string) bool {
	if s.seen.Contains(messageID) {
		metrics.EnvelopesDeduplicated.Inc()
		return true
	}
	s.seen.Add(messageID)
	return false
}

// Enqueue pushes an outbound envelope for delivery in priority order. If
// the queue is already at capacity, the session is closed as a slow client
// (spec §4.3/§5 backpressure) and the envelope is dropped.
func (s *Session) Enqueue(e envelope.Envelope) {
	if s.outbound.Len() >= s.cfg.OutboundDepth {
		metrics.SlowClientDisconnects.Inc()
		log.Printf("[session] %s exceeded outbound queue depth %d, closing as slow client", s.ID, s.cfg.OutboundDepth)
		s.Close()
		return
	}
	s.outbound.Push(dsa.HeapItem{Key: e.MessageID, Priority: e.Priority, Value: e})
	select {
	case s.outboundCh <- struct{}{}:
	default:
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.outboundCh:
			for {
				item, ok := s.outbound.Pop()
				if !ok {
					break
				}
				e := item.Value.(envelope.Envelope)
				data, err := envelope.Encode(e)
				if err != nil {
					log.Printf("[session] %s failed to encode outbound envelope %s: %v", s.ID, e.MessageID, err)
					continue
				}
				if err := s.transport.WriteMessage(data); err != nil {
					log.Printf("[session] %s write error: %v", s.ID, err)
					s.Close()
					return
				}
				metrics.EnvelopesDispatched.WithLabelValues(string(e.Type)).Inc()
			}
		}
	}
}

// CloseAfterDrain waits briefly for the outbound queue to flush (so a final
// reply like an auth-failure ERROR reaches the client) before closing, per
// spec §4.3's "emit error, then close transport" sequence.
func (s *Session) CloseAfterDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.outbound.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Close()
}

// Close terminates the session exactly once, closing the transport and
// cancelling its write loop. Final state is always Disconnected.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(domain.SessionDisconnected)
		s.cancel()
		close(s.closed)
		s.transport.Close()
	})
}
