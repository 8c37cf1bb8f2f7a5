// Package cache keeps parsed decks in memory so the relay server does not
// re-parse the deck file on every request.
package cache

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/livetemplate/stepdeck"
)

// Entry is a parsed deck together with its registry
type Entry struct {
	Deck      *stepdeck.Deck
	Registry  *stepdeck.Registry
	ModTime   time.Time // Deck file modification time when parsed
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// LoadFunc parses the deck at path
type LoadFunc func(path string) (*stepdeck.Deck, error)

// DeckCache is an in-memory deck cache with TTL and modification-time checks
type DeckCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	load    LoadFunc

	// For background cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewDeckCache creates a deck cache. A zero ttl disables caching.
func NewDeckCache(ttl time.Duration) *DeckCache {
	return newDeckCache(ttl, stepdeck.ParseDeckFile, time.Minute)
}

func newDeckCache(ttl time.Duration, load LoadFunc, cleanupInterval time.Duration) *DeckCache {
	c := &DeckCache{
		entries:         make(map[string]*Entry),
		ttl:             ttl,
		load:            load,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the deck at path, parsing it when it is not cached, has
// expired, or the file changed since it was parsed.
func (c *DeckCache) Get(path string) (*Entry, error) {
	info, statErr := os.Stat(path)

	c.mu.RLock()
	entry, exists := c.entries[path]
	c.mu.RUnlock()

	if exists && !entry.IsExpired() && statErr == nil && info.ModTime().Equal(entry.ModTime) {
		return entry, nil
	}

	deck, err := c.load(path)
	if err != nil {
		c.Invalidate(path)
		return nil, err
	}
	reg, err := deck.Registry()
	if err != nil {
		c.Invalidate(path)
		return nil, fmt.Errorf("failed to build registry for %s: %w", path, err)
	}

	entry = &Entry{
		Deck:      deck,
		Registry:  reg,
		ExpiresAt: time.Now().Add(c.ttl),
	}
	if statErr == nil {
		entry.ModTime = info.ModTime()
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[path] = entry
		c.mu.Unlock()
	}

	return entry, nil
}

// Invalidate removes an entry from the cache
func (c *DeckCache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// InvalidateAll removes all entries from the cache
func (c *DeckCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// cleanupLoop periodically removes expired entries
func (c *DeckCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *DeckCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for path, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, path)
		}
	}
}

// Stop stops the background cleanup goroutine
// Safe to call multiple times
func (c *DeckCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}

// Len returns the number of entries in the cache (for testing)
func (c *DeckCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
