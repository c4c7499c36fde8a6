package profile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alvmarrod/shelf-weaver/internal/rules"
	"github.com/sirupsen/logrus"
)

// Persister saves profile mutations
type Persister interface {
	SaveProfile(ctx context.Context, p SiteProfile) error
}

// entry is one domain's slot. Writers hold mu; readers only load current.
type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[SiteProfile]
}

// Store holds site profiles keyed by domain
type Store struct {
	entries          sync.Map // domain -> *entry
	overrides        map[string]rules.RuleSet
	antiDetection    AntiDetection
	failureThreshold int
	persister        Persister
	now              func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithOverrides sets user-supplied selectors per domain; they win over any stored rule
func WithOverrides(overrides map[string]rules.RuleSet) Option {
	return func(s *Store) { s.overrides = overrides }
}

// WithPersister saves every mutation through p
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a profile store. failureThreshold is the number of consecutive
// failures after which a rule set is demoted.
func NewStore(ad AntiDetection, failureThreshold int, opts ...Option) *Store {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	s := &Store{
		overrides:        map[string]rules.RuleSet{},
		antiDetection:    ad,
		failureThreshold: failureThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load hydrates the store with previously persisted profiles.
// Anti-detection parameters are taken from the current configuration.
func (s *Store) Load(profiles []SiteProfile) {
	for _, p := range profiles {
		p := p.Clone()
		p.AntiDetection = s.antiDetection
		e := s.entry(p.Domain)
		e.mu.Lock()
		e.current.Store(&p)
		e.mu.Unlock()
	}
	logrus.Infof("Loaded %d site profiles", len(profiles))
}

// Resolve returns a copy of the domain's profile with user overrides applied.
// Unknown domains get the heuristic default with confidence 0.
func (s *Store) Resolve(domain string) SiteProfile {
	resolved := s.base(domain).Clone()
	if override, ok := s.overrides[domain]; ok {
		resolved.Rules = rules.Overlay(override, resolved.Rules)
		resolved.Overridden = true
	}
	return resolved
}

// Snapshot returns copies of every stored profile
func (s *Store) Snapshot() []SiteProfile {
	var out []SiteProfile
	s.entries.Range(func(_, value any) bool {
		if p := value.(*entry).current.Load(); p != nil {
			out = append(out, p.Clone())
		}
		return true
	})
	return out
}

// RecordOutcome updates confidence for the rule set that was used on a page.
// Outcomes for a rule set that is no longer current are ignored.
func (s *Store) RecordOutcome(ctx context.Context, domain string, used rules.RuleSet, success bool) {
	s.update(ctx, domain, func(p *SiteProfile) bool {
		if !s.matches(domain, p.Rules, used) {
			logrus.WithField("domain", domain).Debug("Ignoring outcome for stale rule set")
			return false
		}

		now := s.now()
		p.UpdatedAt = now
		if success {
			p.Confidence += (1 - p.Confidence) * 0.25
			p.ConsecutiveFailures = 0
			p.LastValidated = now
			return true
		}

		p.Confidence /= 2
		p.ConsecutiveFailures++
		if p.ConsecutiveFailures < s.failureThreshold {
			return true
		}

		if p.Source == SourceLearned {
			fingerprint := p.Rules.Fingerprint()
			logrus.WithFields(logrus.Fields{
				"domain":      domain,
				"fingerprint": fingerprint,
				"failures":    p.ConsecutiveFailures,
			}).Warn("Demoting learned rule set, reverting to heuristic default")
			p.Demoted = append(p.Demoted, fingerprint)
			p.Rules = DefaultRules()
			p.Source = SourceHeuristic
		}
		p.Confidence = 0
		p.ConsecutiveFailures = 0
		return true
	})
}

// Learn adopts an inferred rule set, tagged low-confidence, when the domain has
// nothing better and the rule set was not demoted before. Returns true if adopted.
func (s *Store) Learn(ctx context.Context, domain string, inferred rules.RuleSet) bool {
	if len(inferred) == 0 {
		return false
	}
	candidate := rules.Overlay(inferred, DefaultRules())
	fingerprint := candidate.Fingerprint()

	adopted := false
	s.update(ctx, domain, func(p *SiteProfile) bool {
		if p.IsDemoted(fingerprint) {
			return false
		}
		if p.Source == SourceLearned && p.Confidence > LearnedConfidence {
			return false
		}
		if p.Rules.Fingerprint() == fingerprint {
			return false
		}

		p.Rules = candidate
		p.Source = SourceLearned
		p.Confidence = LearnedConfidence
		p.ConsecutiveFailures = 0
		p.UpdatedAt = s.now()
		adopted = true
		return true
	})

	if adopted {
		logrus.WithFields(logrus.Fields{
			"domain":      domain,
			"fingerprint": fingerprint,
		}).Info("Learned candidate rule set")
	}
	return adopted
}

// update runs fn on a copy of the domain's profile under the domain's writer lock,
// publishing and persisting the copy if fn returns true
func (s *Store) update(ctx context.Context, domain string, fn func(p *SiteProfile) bool) {
	e := s.entry(domain)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := s.loadOrDefault(e, domain).Clone()
	if !fn(&next) {
		return
	}
	e.current.Store(&next)

	if s.persister != nil {
		if err := s.persister.SaveProfile(ctx, next); err != nil {
			logrus.WithField("domain", domain).Warnf("Failed to persist site profile: %v", err)
		}
	}
}

// matches reports whether used is the domain's current rule set, with or without overrides
func (s *Store) matches(domain string, current, used rules.RuleSet) bool {
	fingerprint := used.Fingerprint()
	if fingerprint == current.Fingerprint() {
		return true
	}
	if override, ok := s.overrides[domain]; ok {
		return fingerprint == rules.Overlay(override, current).Fingerprint()
	}
	return false
}

func (s *Store) base(domain string) SiteProfile {
	if value, ok := s.entries.Load(domain); ok {
		if p := value.(*entry).current.Load(); p != nil {
			return *p
		}
	}
	return Default(domain, s.antiDetection)
}

func (s *Store) loadOrDefault(e *entry, domain string) SiteProfile {
	if p := e.current.Load(); p != nil {
		return *p
	}
	return Default(domain, s.antiDetection)
}

func (s *Store) entry(domain string) *entry {
	value, _ := s.entries.LoadOrStore(domain, &entry{})
	return value.(*entry)
}
