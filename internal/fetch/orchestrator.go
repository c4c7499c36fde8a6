package fetch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/sirupsen/logrus"
)

// Config bounds the retry loop
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MinBodySize int
}

// AttemptHook observes every attempt; err is nil on success
type AttemptHook func(task *Task, resp *Response, elapsed time.Duration, err *Error)

// Orchestrator fetches pages under rate-limit, retry and anti-detection policy
type Orchestrator struct {
	cfg        Config
	capability Capability
	gate       *Gate
	pool       *IdentityPool
	hook       AttemptHook

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time
}

// NewOrchestrator wires a capability to the shared admission gate and identity pool
func NewOrchestrator(cfg Config, capability Capability, gate *Gate, pool *IdentityPool, hook AttemptHook) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if gate == nil {
		gate = NewGate()
	}
	if pool == nil {
		pool = NewIdentityPool(nil, nil)
	}
	return &Orchestrator{
		cfg:        cfg,
		capability: capability,
		gate:       gate,
		pool:       pool,
		hook:       hook,
		sleep:      sleepContext,
		jitter:     rand.Float64,
		now:        time.Now,
	}
}

// Fetch drives task to a terminal state. Each attempt applies, in order: identity
// selection, a randomized delay, the per-domain gate, and the capability call with
// its own timeout. Transient failures back off exponentially up to MaxAttempts.
// An anti-bot block is never retried with the same identity: it rotates at most
// once, otherwise the task fails. Cancelling ctx stops new attempts; an attempt
// already sent runs until it completes or times out.
func (o *Orchestrator) Fetch(ctx context.Context, task *Task, ad profile.AntiDetection) (*RawPage, error) {
	log := logrus.WithFields(logrus.Fields{"url": task.URL, "domain": task.Domain})
	task.State = StateInFlight

	id, ok := o.selectIdentity(task.Domain, ad)
	if !ok {
		return nil, o.fail(task, &Error{Kind: KindAntiBotBlock, URL: task.URL, Challenge: "no unblocked identity"})
	}

	rotated := false
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, o.cancelled(task, err)
		}
		task.Attempts = attempt
		task.Identity = id

		if ad.RandomDelay {
			task.Delay = o.randomDelay(ad.DelayMin, ad.DelayMax)
			if err := o.sleep(ctx, task.Delay); err != nil {
				return nil, o.cancelled(task, err)
			}
		}

		if err := o.gate.Wait(ctx, task.Domain, ad.MinInterval); err != nil {
			return nil, o.cancelled(task, err)
		}

		page, resp, fe, elapsed := o.attempt(ctx, task, id)
		if o.hook != nil {
			o.hook(task, resp, elapsed, fe)
		}
		if fe == nil {
			task.State = StateSucceeded
			task.Err = nil
			log.WithField("attempts", attempt).Debugf("Fetched %d bytes in %v", len(page.Body), elapsed)
			return page, nil
		}

		if fe.Kind == KindAntiBotBlock {
			o.gate.Burn(task.Domain, id)
			log.WithFields(logrus.Fields{
				"attempt":   attempt,
				"challenge": fe.Challenge,
				"identity":  id.String(),
			}).Warn("Anti-bot block detected")

			if !ad.RotateIdentity || rotated || attempt >= o.cfg.MaxAttempts {
				return nil, o.fail(task, fe)
			}
			next, ok := o.pool.Next(ad.UseProxy, o.burnedOn(task.Domain))
			if !ok {
				return nil, o.fail(task, fe)
			}
			id = next
			rotated = true
			continue
		}

		if !fe.Transient() || attempt >= o.cfg.MaxAttempts {
			return nil, o.fail(task, fe)
		}

		backoff := o.backoff(attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"reason":  fe.Reason(),
			"backoff": backoff,
		}).Info("Transient fetch failure, retrying")
		if err := o.sleep(ctx, backoff); err != nil {
			task.Err = fe
			return nil, o.cancelled(task, err)
		}

		if ad.RotateIdentity {
			if next, ok := o.pool.Next(ad.UseProxy, o.burnedOn(task.Domain)); ok {
				id = next
			}
		}
	}
}

// attempt performs one capability call detached from run cancellation
func (o *Orchestrator) attempt(ctx context.Context, task *Task, id Identity) (*RawPage, *Response, *Error, time.Duration) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	defer cancel()

	start := o.now()
	resp, err := o.capability.Fetch(attemptCtx, task.URL, id, o.cfg.Timeout)
	elapsed := o.now().Sub(start)

	if err != nil {
		return nil, resp, classifyTransportError(task.URL, err), elapsed
	}
	if resp == nil {
		return nil, nil, &Error{Kind: KindConnectionFailed, URL: task.URL, Err: errEmptyResponse}, elapsed
	}
	if challenge := Classify(resp, task.URL, o.cfg.MinBodySize); challenge != "" {
		return nil, resp, &Error{Kind: KindAntiBotBlock, URL: task.URL, Status: resp.Status, Challenge: challenge}, elapsed
	}
	if resp.Status >= 300 {
		return nil, resp, &Error{Kind: KindHTTPError, URL: task.URL, Status: resp.Status}, elapsed
	}

	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = task.URL
	}
	return &RawPage{
		URL:         task.URL,
		FinalURL:    finalURL,
		FetchedAt:   o.now(),
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		Identity:    id,
	}, resp, nil, elapsed
}

func (o *Orchestrator) selectIdentity(domain string, ad profile.AntiDetection) (Identity, bool) {
	if !ad.RotateIdentity {
		return o.pool.Default(ad.UseProxy), true
	}
	return o.pool.Next(ad.UseProxy, o.burnedOn(domain))
}

func (o *Orchestrator) burnedOn(domain string) func(Identity) bool {
	return func(id Identity) bool { return o.gate.Burned(domain, id) }
}

// randomDelay picks a duration uniformly in [min, max]
func (o *Orchestrator) randomDelay(min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	if max <= 0 {
		return 0
	}
	return min + time.Duration(o.jitter()*float64(max-min))
}

// backoff is base * 2^(attempt-1), capped, plus up to 25% jitter
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d + time.Duration(o.jitter()*0.25*float64(d))
}

func (o *Orchestrator) fail(task *Task, fe *Error) error {
	task.State = StateFailed
	task.Err = fe
	return fe
}

func (o *Orchestrator) cancelled(task *Task, cause error) error {
	task.State = StateFailed
	if task.Err == nil {
		task.Err = cause
	}
	return fmt.Errorf("fetch %s cancelled after %d attempts: %w", task.URL, task.Attempts, cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
