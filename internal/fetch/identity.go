package fetch

import (
	"math/rand/v2"
	"sync"
)

// DefaultUserAgents is used when no user agents are configured
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// IdentityPool hands out user agent and proxy combinations in rotation
type IdentityPool struct {
	mu         sync.Mutex
	userAgents []string
	proxies    []string
	next       int
}

// NewIdentityPool creates a pool. The starting position is randomized so that
// parallel runs do not share a fingerprint sequence.
func NewIdentityPool(userAgents, proxies []string) *IdentityPool {
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	return &IdentityPool{
		userAgents: append([]string(nil), userAgents...),
		proxies:    append([]string(nil), proxies...),
		next:       rand.IntN(len(userAgents)),
	}
}

// Size is the number of distinct identities the pool can produce
func (p *IdentityPool) Size() int {
	n := len(p.userAgents)
	if len(p.proxies) > 0 {
		n *= len(p.proxies)
	}
	return n
}

// HasProxies reports whether any proxy is configured
func (p *IdentityPool) HasProxies() bool {
	return len(p.proxies) > 0
}

// Default returns the first identity without rotation
func (p *IdentityPool) Default(useProxy bool) Identity {
	id := Identity{UserAgent: p.userAgents[0]}
	if useProxy && len(p.proxies) > 0 {
		id.Proxy = p.proxies[0]
	}
	return id
}

// Next returns the next identity in rotation, skipping those for which skip returns true.
// ok is false when every identity is skipped.
func (p *IdentityPool) Next(useProxy bool, skip func(Identity) bool) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.userAgents)
	if useProxy && len(p.proxies) > 0 {
		total *= len(p.proxies)
	}

	for i := 0; i < total; i++ {
		idx := (p.next + i) % total
		id := Identity{UserAgent: p.userAgents[idx%len(p.userAgents)]}
		if useProxy && len(p.proxies) > 0 {
			id.Proxy = p.proxies[(idx/len(p.userAgents))%len(p.proxies)]
		}
		if skip != nil && skip(id) {
			continue
		}
		p.next = idx + 1
		return id, true
	}
	return Identity{}, false
}
