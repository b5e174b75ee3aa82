package rules

import (
	"sync"
	"time"
)

// RulesCache holds the active rule list of an experiment between store reads
type RulesCache interface {
	// Get returns the cached rules, or nil on a miss
	Get() []*Rule

	// Set replaces the cached rules
	Set(rules []*Rule)

	// Invalidate drops the cached rules so the next Get misses
	Invalidate()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL expires cached rules; 0 keeps them until invalidated
	TTL time.Duration
}

// DefaultCacheConfig only invalidates on rule mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesCache is an in-process RulesCache, safe for concurrent access
type InMemoryRulesCache struct {
	config   CacheConfig
	rules    []*Rule
	cachedAt time.Time
	valid    bool
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates an empty cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

// Get returns a copy of the cached rules, or nil when invalid or expired
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	rulesCopy := make([]*Rule, len(c.rules))
	copy(rulesCopy, c.rules)
	return rulesCopy
}

// Set stores a copy of rules
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.valid = true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}

// IsValid reports whether a Get would hit
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh()
}

// fresh must be called with mu held
func (c *InMemoryRulesCache) fresh() bool {
	if !c.valid {
		return false
	}
	return c.config.TTL <= 0 || time.Since(c.cachedAt) <= c.config.TTL
}
