package crawler

import (
	"sync"

	"github.com/alvmarrod/shelf-weaver/internal/product"
)

// PageLimiter enforces max pages per seed
type PageLimiter struct {
	maxPerSeed int
	mu         sync.RWMutex
	// Map: seed -> set of normalized page URLs
	pages map[string]map[string]bool
}

// NewPageLimiter creates a new page limiter
func NewPageLimiter(maxPerSeed int) *PageLimiter {
	return &PageLimiter{
		maxPerSeed: maxPerSeed,
		pages:      make(map[string]map[string]bool),
	}
}

// CanAdd checks if a page can be added without exceeding the limit.
// Does NOT modify state - use Add() to register the page
func (pl *PageLimiter) CanAdd(seed, pageURL string) bool {
	key := product.NormalizeURL(pageURL)

	pl.mu.RLock()
	defer pl.mu.RUnlock()

	pageSet, exists := pl.pages[seed]
	if !exists {
		return pl.maxPerSeed > 0
	}
	if pageSet[key] {
		return true
	}
	return len(pageSet) < pl.maxPerSeed
}

// Add registers a page for a seed.
// Returns true if added successfully, false if limit exceeded
func (pl *PageLimiter) Add(seed, pageURL string) bool {
	key := product.NormalizeURL(pageURL)

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.pages[seed] == nil {
		pl.pages[seed] = make(map[string]bool)
	}
	pageSet := pl.pages[seed]

	// Already registered - success
	if pageSet[key] {
		return true
	}
	if len(pageSet) >= pl.maxPerSeed {
		return false
	}
	pageSet[key] = true
	return true
}

// Count returns the number of pages registered for a seed
func (pl *PageLimiter) Count(seed string) int {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	if pageSet, exists := pl.pages[seed]; exists {
		return len(pageSet)
	}
	return 0
}
