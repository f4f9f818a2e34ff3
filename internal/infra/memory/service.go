package memory

import (
	"fmt"
	"sync"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/metrics"
)

// ResumeResult bundles what a client needs to pick a session back up.
type ResumeResult struct {
	Memories   []domain.SessionMemory
	Messages   []domain.Message
	Continuity domain.SessionContinuity
	HasContinuity bool
}

// Service is the process-wide memory service: cold storage plus a
// per-session hot cache layered on top.
type Service struct {
	db *DB

	mu    sync.Mutex
	hot   map[string]*hotCache

	maxMessagesPerSession int
	defaultResumeMessages int
	defaultSearchLimit    int
	hotCacheMax           int
}

// ServiceConfig controls the memory service's tunables.
type ServiceConfig struct {
	MaxMessagesPerSession int
	DefaultResumeMessages int
	DefaultSearchLimit    int
	HotCacheMaxPerSession int
}

// DefaultServiceConfig returns the spec's documented defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxMessagesPerSession: 1000,
		DefaultResumeMessages: 100,
		DefaultSearchLimit:    10,
		HotCacheMaxPerSession: HotCacheMax,
	}
}

// NewService creates a memory Service backed by db.
func NewService(db *DB, cfg ServiceConfig) *Service {
	if cfg.MaxMessagesPerSession <= 0 {
		cfg.MaxMessagesPerSession = 1000
	}
	if cfg.DefaultResumeMessages <= 0 {
		cfg.DefaultResumeMessages = 100
	}
	if cfg.DefaultSearchLimit <= 0 {
		cfg.DefaultSearchLimit = 10
	}
	if cfg.HotCacheMaxPerSession <= 0 {
		cfg.HotCacheMaxPerSession = HotCacheMax
	}
	return &Service{
		db:                    db,
		hot:                   make(map[string]*hotCache),
		maxMessagesPerSession: cfg.MaxMessagesPerSession,
		defaultResumeMessages: cfg.DefaultResumeMessages,
		defaultSearchLimit:    cfg.DefaultSearchLimit,
		hotCacheMax:           cfg.HotCacheMaxPerSession,
	}
}

func (s *Service) cacheFor(sessionID string) *hotCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.hot[sessionID]
	if !ok {
		c = newHotCache(s.hotCacheMax)
		s.hot[sessionID] = c
	}
	return c
}

// AppendMessage persists a message, applying the spec's cap-but-accept
// semantics.
func (s *Service) AppendMessage(msg domain.Message) error {
	return s.db.AppendMessage(msg, s.maxMessagesPerSession)
}

// AddMemory writes a memory to cold storage and inserts it into the
// session's hot cache, updating the gauge for observability.
func (s *Service) AddMemory(m domain.SessionMemory) error {
	if err := s.db.InsertMemory(m); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	c := s.cacheFor(m.SessionID)
	c.Put(m)
	metrics.HotCacheSize.WithLabelValues(m.SessionID).Set(float64(c.Len()))
	return nil
}

// ResumeSession rehydrates the hot cache from cold storage (top by
// importance desc, then recency) up to the cap, and returns the recent N
// messages plus the continuity record if present (spec §4.6 Resume).
func (s *Service) ResumeSession(sessionID string) (ResumeResult, error) {
	c := s.cacheFor(sessionID)
	c.Reset()

	memories, err := s.db.TopMemoriesBySession(sessionID, s.hotCacheMax)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("load memories: %w", err)
	}
	for _, m := range memories {
		c.Put(m)
	}
	metrics.HotCacheSize.WithLabelValues(sessionID).Set(float64(c.Len()))
	metrics.MemoryQueries.WithLabelValues("resume").Inc()

	messages, err := s.db.RecentMessages(sessionID, s.defaultResumeMessages)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("load messages: %w", err)
	}

	continuity, ok, err := s.db.GetContinuity(sessionID)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("load continuity: %w", err)
	}

	return ResumeResult{
		Memories:      memories,
		Messages:      messages,
		Continuity:    continuity,
		HasContinuity: ok,
	}, nil
}

// SearchSessionMemories runs a full-text search scoped to a session,
// bumping recall bookkeeping on every hit and re-inserting hits into the
// hot cache (spec §4.6 Search).
func (s *Service) SearchSessionMemories(sessionID, query string) ([]domain.SessionMemory, error) {
	metrics.MemoryQueries.WithLabelValues("search").Inc()
	hits, err := s.db.SearchMemories(sessionID, query, s.defaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	c := s.cacheFor(sessionID)
	for _, hit := range hits {
		c.Put(hit)
		c.Touch(hit.ID)
	}
	metrics.HotCacheSize.WithLabelValues(sessionID).Set(float64(c.Len()))
	return hits, nil
}

// StoreChainOfThought persists a reasoning trace transactionally.
func (s *Service) StoreChainOfThought(messageID string, steps []domain.ChainOfThoughtStep) error {
	return s.db.StoreChainOfThought(messageID, steps)
}

// SaveContinuity upserts a session's continuity record.
func (s *Service) SaveContinuity(c domain.SessionContinuity) error {
	return s.db.SaveContinuity(c)
}

// HotCacheSize returns how many memories are currently resident for a
// session, for admin inspection.
func (s *Service) HotCacheSize(sessionID string) int {
	return s.cacheFor(sessionID).Len()
}
