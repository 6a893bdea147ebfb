// Package cache provides a TTL-bounded response cache for request
// memoization. It is a simple bounded cache: at capacity it evicts the
// first entry encountered in iteration order, not a strict LRU.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

type entry struct {
	response *llm.ChatResponse
	storedAt time.Time
}

// Cache memoizes chat responses by request key.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a Cache with the given TTL and capacity.
func New(ttl time.Duration, maxEntries int, logger zerolog.Logger) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "cache").Logger(),
		now:        time.Now,
	}
}

// Key derives the deterministic cache key for a request: the sha256 of the
// canonical JSON of provider, model, and messages.
func Key(req *llm.ChatRequest) string {
	payload := struct {
		Provider llm.Provider      `json:"provider"`
		Model    string            `json:"model"`
		Messages []llm.ChatMessage `json:"messages"`
	}{
		Provider: req.Provider,
		Model:    req.Model,
		Messages: req.Messages,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of these plain types cannot fail; keep the key stable anyway.
		data = []byte(req.Model + string(req.Provider))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for key if present and younger than the
// TTL. Expired entries are purged lazily on lookup.
func (c *Cache) Get(key string) (*llm.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		c.logger.Debug().Str("key", key).Msg("Cache entry expired")
		return nil, false
	}
	return e.response, true
}

// Set stores a response. At capacity one existing entry is evicted first.
func (c *Cache) Set(key string, response *llm.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		for k := range c.entries {
			delete(c.entries, k)
			c.logger.Debug().Str("evicted", k).Msg("Cache at capacity, evicted entry")
			break
		}
	}
	c.entries[key] = entry{response: response, storedAt: c.now()}
}

// PurgeExpired sweeps out all expired entries and returns how many were
// removed. Intended for a periodic maintenance job.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Purged expired cache entries")
	}
	return removed
}

// Len returns the number of live entries, counting expired ones not yet
// purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
