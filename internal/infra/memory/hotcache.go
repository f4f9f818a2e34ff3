package memory

import (
	"container/list"
	"sync"

	"github.com/tutu-network/tutumesh/internal/domain"
)

// HotCacheMax is the per-session cap on resident SessionMemory entries
// (spec §4.6: HOT_MEMORIES_MAX = 1000).
const HotCacheMax = 1000

// hotCache is a bounded per-session LRU over domain.SessionMemory, keyed by
// memory ID. Eviction to cold store is a no-op — cold store already holds
// the authoritative copy — so Put just drops the coldest entry and returns
// it for observability.
type hotCache struct {
	mu       sync.Mutex
	max      int
	ll       *list.List
	elements map[string]*list.Element
}

type hotCacheEntry struct {
	key   string
	value domain.SessionMemory
}

func newHotCache(max int) *hotCache {
	if max <= 0 {
		max = HotCacheMax
	}
	return &hotCache{max: max, ll: list.New(), elements: make(map[string]*list.Element)}
}

// Put inserts or refreshes a memory, moving it to most-recently-used. If
// inserting a new entry exceeds the cap, the coldest entry is evicted and
// returned.
func (c *hotCache) Put(m domain.SessionMemory) (evicted domain.SessionMemory, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[m.ID]; ok {
		el.Value.(*hotCacheEntry).value = m
		c.ll.MoveToFront(el)
		return domain.SessionMemory{}, false
	}

	el := c.ll.PushFront(&hotCacheEntry{key: m.ID, value: m})
	c.elements[m.ID] = el

	if c.ll.Len() > c.max {
		back := c.ll.Back()
		c.ll.Remove(back)
		entry := back.Value.(*hotCacheEntry)
		delete(c.elements, entry.key)
		return entry.value, true
	}
	return domain.SessionMemory{}, false
}

// Touch marks a memory as recently used (on read or rewrite) without
// changing its content.
func (c *hotCache) Touch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[id]; ok {
		c.ll.MoveToFront(el)
	}
}

// Get returns a memory by ID without changing recency.
func (c *hotCache) Get(id string) (domain.SessionMemory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[id]; ok {
		return el.Value.(*hotCacheEntry).value, true
	}
	return domain.SessionMemory{}, false
}

// Len returns the number of resident entries.
func (c *hotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Reset clears the cache, used when rehydrating on ResumeSession.
func (c *hotCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.elements = make(map[string]*list.Element)
}
