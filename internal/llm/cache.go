package llm

import (
	"sync"
	"time"

	"github.com/Veraticus/spice-ledger/internal/service"
)

// defaultCacheTTL applies when no TTL is configured.
const defaultCacheTTL = 15 * time.Minute

type cacheEntry struct {
	expiry   time.Time
	proposal service.AgentProposal
}

// proposalCache remembers agent proposals by request fingerprint. Expired
// entries are dropped when read or when the cache is written.
type proposalCache struct {
	now     func() time.Time
	entries map[string]cacheEntry
	ttl     time.Duration
	mu      sync.Mutex
}

func newProposalCache(ttl time.Duration, now func() time.Time) *proposalCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &proposalCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

func (c *proposalCache) get(key string) (service.AgentProposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return service.AgentProposal{}, false
	}
	if !c.now().Before(entry.expiry) {
		delete(c.entries, key)
		return service.AgentProposal{}, false
	}
	return entry.proposal, true
}

func (c *proposalCache) set(key string, proposal service.AgentProposal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if !now.Before(entry.expiry) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{proposal: proposal, expiry: now.Add(c.ttl)}
}

func (c *proposalCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
