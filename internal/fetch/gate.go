package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// domainState is the admission state of one domain
type domainState struct {
	limiter     *rate.Limiter
	lastRequest time.Time
	burned      map[string]struct{}
}

// Gate enforces a minimum spacing between requests to the same domain,
// shared by all workers and independent of global concurrency. It also
// remembers identities that were blocked per domain.
type Gate struct {
	mu      sync.Mutex
	domains map[string]*domainState
	now     func() time.Time
}

// NewGate creates an empty admission gate
func NewGate() *Gate {
	return &Gate{
		domains: make(map[string]*domainState),
		now:     time.Now,
	}
}

// state returns the domain's state, creating it with minInterval spacing.
// A changed interval is applied to the existing limiter.
func (g *Gate) state(domain string, minInterval time.Duration) *domainState {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}

	st, ok := g.domains[domain]
	if !ok {
		st = &domainState{
			limiter: rate.NewLimiter(limit, 1),
			burned:  make(map[string]struct{}),
		}
		g.domains[domain] = st
	} else if st.limiter.Limit() != limit {
		st.limiter.SetLimit(limit)
	}
	return st
}

// Wait blocks until the domain admits another request or ctx is done
func (g *Gate) Wait(ctx context.Context, domain string, minInterval time.Duration) error {
	st := g.state(domain, minInterval)
	if err := st.limiter.Wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	st.lastRequest = g.now()
	g.mu.Unlock()
	return nil
}

// LastRequest returns when the domain last admitted a request
func (g *Gate) LastRequest(domain string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.domains[domain]; ok {
		return st.lastRequest
	}
	return time.Time{}
}

// Burn marks an identity as blocked for a domain
func (g *Gate) Burn(domain string, id Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.domains[domain]
	if !ok {
		st = &domainState{
			limiter: rate.NewLimiter(rate.Inf, 1),
			burned:  make(map[string]struct{}),
		}
		g.domains[domain] = st
	}
	st.burned[id.String()] = struct{}{}
}

// Burned reports whether an identity was blocked on a domain
func (g *Gate) Burned(domain string, id Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.domains[domain]
	if !ok {
		return false
	}
	_, burned := st.burned[id.String()]
	return burned
}
