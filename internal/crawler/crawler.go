package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/shelf-weaver/internal/config"
	"github.com/alvmarrod/shelf-weaver/internal/extract"
	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/memory"
	"github.com/alvmarrod/shelf-weaver/internal/metrics"
	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/transform"
)

// Fetcher fetches one task under a profile's anti-detection policy
type Fetcher interface {
	Fetch(ctx context.Context, task *fetch.Task, ad profile.AntiDetection) (*fetch.RawPage, error)
}

// Transformer derives normalized content from a record
type Transformer interface {
	Apply(ctx context.Context, rec product.Record) (product.Record, []transform.Warning)
}

// Deps are the components a crawler drives
type Deps struct {
	Fetcher     Fetcher
	Engine      *extract.Engine
	Profiles    *profile.Store
	Transformer Transformer
	Buffer      *memory.RecordBuffer
	Tracker     *metrics.Tracker
	Filter      *Filter
}

// Crawler orchestrates the extraction run: workers pop pages, fetch, extract,
// filter, transform and buffer the resulting records
type Crawler struct {
	cfg      *config.Config
	deps     Deps
	queue    *Queue
	limiter  *PageLimiter
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCrawler creates a new crawler instance
func NewCrawler(cfg *config.Config, deps Deps) *Crawler {
	if deps.Buffer == nil {
		deps.Buffer = memory.NewRecordBuffer()
	}
	if deps.Tracker == nil {
		deps.Tracker = metrics.NewTracker("")
	}
	if deps.Filter == nil {
		deps.Filter = NewFilter(nil, nil, nil)
	}
	return &Crawler{
		cfg:     cfg,
		deps:    deps,
		queue:   NewQueue(),
		limiter: NewPageLimiter(cfg.MaxPages),
	}
}

// AttemptHook feeds every fetch attempt into the tracker
func AttemptHook(tracker *metrics.Tracker) fetch.AttemptHook {
	return func(task *fetch.Task, _ *fetch.Response, _ time.Duration, fe *fetch.Error) {
		tracker.IncrementFetchAttempts()
		if fe != nil && fe.Kind == fetch.KindAntiBotBlock {
			tracker.IncrementAntiBotBlocks()
		}
	}
}

// EnqueueSeed enqueues a seed URL as page 1 of its own pagination chain
func (c *Crawler) EnqueueSeed(seedURL string) error {
	domain, err := ExtractDomain(seedURL)
	if err != nil {
		return fmt.Errorf("invalid seed URL %q: %w", seedURL, err)
	}
	if domain == "" {
		return fmt.Errorf("invalid seed URL %q: no host", seedURL)
	}
	c.limiter.Add(seedURL, seedURL)
	c.queue.Push(Entry{URL: seedURL, Seed: seedURL, Page: 1})
	return nil
}

// Start begins the crawler workers. Cancelling ctx stops the queue: pending
// pages are discarded, in-flight fetches stop retrying, and a page already
// fetched still runs through extraction and transformation.
func (c *Crawler) Start(ctx context.Context) {
	logrus.Infof("Starting %d crawler workers", c.cfg.Workers)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i+1)
	}

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// worker processes queue entries
func (c *Crawler) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	logrus.Debugf("Worker %d started", id)
	for {
		entry, ok := c.queue.Pop()
		if !ok {
			logrus.Debugf("Worker %d: queue stopped or drained, exiting", id)
			return
		}

		logrus.Debugf("Worker %d: popped %s (page=%d)", id, entry.URL, entry.Page)
		c.process(ctx, entry)
		c.queue.Done()
	}
}

// process runs one page through fetch, extraction, profile feedback,
// filtering and transformation
func (c *Crawler) process(ctx context.Context, entry Entry) {
	log := logrus.WithFields(logrus.Fields{"url": entry.URL, "page": entry.Page})
	tracker := c.deps.Tracker

	task, err := fetch.NewTask(entry.URL)
	if err != nil {
		log.Warnf("Skipping invalid URL: %v", err)
		tracker.RecordPageFailed("fetch", "invalid_url")
		return
	}
	domain, _ := ExtractDomain(entry.URL)
	prof := c.deps.Profiles.Resolve(domain)

	start := time.Now()
	page, err := c.deps.Fetcher.Fetch(ctx, task, prof.AntiDetection)
	if err != nil {
		reason := "unknown"
		var fe *fetch.Error
		if errors.As(err, &fe) {
			reason = fe.Reason()
		} else if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		log.WithField("attempts", task.Attempts).Warnf("Fetch failed: %v", err)
		tracker.RecordPageFailed("fetch", reason)
		return
	}
	tracker.RecordPageFetched(len(page.Body), time.Since(start))

	// The page is in hand; finish it even if the run was cancelled meanwhile
	ctx = context.WithoutCancel(ctx)

	extraction, err := c.deps.Engine.Extract(page, prof, extract.Options{ExpectProducts: true})
	if err != nil {
		reason := "unknown"
		var ee *extract.ExtractionError
		if errors.As(err, &ee) {
			reason = ee.Reason()
		}
		log.Warnf("Extraction failed: %v", err)
		tracker.RecordPageFailed("extract", reason)
		return
	}
	outcome := extraction.Collect()

	c.feedback(ctx, domain, outcome)
	c.recordErrors(outcome.Errors)
	tracker.AddProductsExtracted(len(outcome.Records))

	kept := 0
	for _, rec := range outcome.Records {
		if ok, reason := c.deps.Filter.Allow(rec); !ok {
			log.WithField("key", rec.Key).Debugf("Filtered out: %s", reason)
			tracker.IncrementProductsFiltered()
			continue
		}

		out := rec
		if c.deps.Transformer != nil {
			var warnings []transform.Warning
			out, warnings = c.deps.Transformer.Apply(ctx, rec)
			for _, w := range warnings {
				log.WithFields(logrus.Fields{"key": w.Key, "field": w.Field}).Debugf("Transform fallback: %v", w)
				tracker.RecordTransformWarning(w.Reason())
			}
		}
		c.deps.Buffer.Add(out)
		kept++
	}

	log.WithFields(logrus.Fields{
		"products": len(outcome.Records),
		"kept":     kept,
		"dropped":  outcome.Dropped(),
	}).Info("Page processed")

	c.paginate(entry, outcome.NextPage)
}

// feedback reports the page outcome to the profile store and proposes learned rules
func (c *Crawler) feedback(ctx context.Context, domain string, outcome extract.Outcome) {
	c.deps.Profiles.RecordOutcome(ctx, domain, outcome.Used, outcome.RulesHeld())
	if outcome.Learned != nil && c.deps.Profiles.Learn(ctx, domain, outcome.Learned) {
		c.deps.Tracker.IncrementProfilesLearned()
	}
	if outcome.LearningOpportunity && outcome.Learned == nil {
		logrus.WithFields(logrus.Fields{
			"domain": domain,
			"url":    outcome.URL,
		}).Warn("No products found and no candidate rule could be inferred")
	}
}

// recordErrors aggregates per-product validation errors into the stats surface
func (c *Crawler) recordErrors(errs []error) {
	for _, err := range errs {
		var ve *extract.ValidationError
		if !errors.As(err, &ve) {
			c.deps.Tracker.RecordFailure("extract", "unknown")
			continue
		}
		switch {
		case ve.Dropped():
			c.deps.Tracker.IncrementProductsDropped(ve.Reason())
		case ve.Kind == extract.PriceUnparsable:
			c.deps.Tracker.IncrementPricesUnknown()
		default:
			c.deps.Tracker.RecordFailure("extract", ve.Reason())
		}
	}
}

// paginate enqueues the next listing page while the seed is under max_pages
func (c *Crawler) paginate(entry Entry, next string) {
	if next == "" {
		return
	}
	if !SameSite(entry.URL, next) {
		logrus.WithField("next", next).Debug("Ignoring off-site pagination link")
		return
	}
	if !c.limiter.CanAdd(entry.Seed, next) {
		logrus.WithField("seed", entry.Seed).Debugf("Reached max pages (%d)", c.cfg.MaxPages)
		return
	}
	if c.queue.Push(Entry{URL: next, Seed: entry.Seed, Page: entry.Page + 1}) {
		c.limiter.Add(entry.Seed, next)
	}
}

// Stop stops the queue and discards pending pages (safe to call multiple times)
func (c *Crawler) Stop() {
	c.stopOnce.Do(func() {
		logrus.Info("Stopping crawler...")
		if discarded := c.queue.Stop(); discarded > 0 {
			logrus.Infof("Discarded %d pending pages", discarded)
		}
	})
}

// Wait blocks until every worker exits or timeout elapses (0 waits forever).
// Returns false on timeout.
func (c *Crawler) Wait(timeout time.Duration) bool {
	workersDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(workersDone)
	}()

	if timeout <= 0 {
		<-workersDone
		return true
	}
	select {
	case <-workersDone:
		return true
	case <-time.After(timeout):
		logrus.Warnf("Workers timeout (%v) - some workers may still be running", timeout)
		return false
	}
}

// Interrupted reports whether the run was stopped before the queue drained
func (c *Crawler) Interrupted() bool {
	return c.queue.Stopped()
}

// Status returns queued and in-progress page counts
func (c *Crawler) Status() (queued, active int) {
	return c.queue.Size(), c.queue.Active()
}

// Buffer returns the run's record buffer
func (c *Crawler) Buffer() *memory.RecordBuffer {
	return c.deps.Buffer
}
