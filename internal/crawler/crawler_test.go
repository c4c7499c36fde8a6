package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/shelf-weaver/internal/config"
	"github.com/alvmarrod/shelf-weaver/internal/extract"
	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/metrics"
	"github.com/alvmarrod/shelf-weaver/internal/price"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/transform"
)

// listing renders a page of three product cards with an optional next link
func listing(prefix, next string) string {
	var sb strings.Builder
	sb.WriteString(`<!doctype html><html><head><title>Laptops</title></head><body>
<nav class="breadcrumbs"><a href="/">Home</a><a href="/laptops">Laptops</a></nav><ul class="catalog">`)
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&sb, `<li class="card"><a href="/p/%s-%d"><img data-src="/img/%s-%d.jpg"><h3 class="card-title">%s Laptop %d</h3></a><span class="card-price">$%d00.00</span><p class="description">Light and fast</p></li>`,
			prefix, i, prefix, i, strings.ToUpper(prefix), i, i*4)
	}
	sb.WriteString(`</ul>`)
	if next != "" {
		fmt.Fprintf(&sb, `<a rel="next" href="%s">Next</a>`, next)
	}
	sb.WriteString(`</body></html>`)
	return sb.String()
}

// siteCapability serves fixed bodies by URL and counts calls
type siteCapability struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (s *siteCapability) Fetch(_ context.Context, url string, _ fetch.Identity, _ time.Duration) (*fetch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, url)
	body, ok := s.pages[url]
	if !ok {
		return &fetch.Response{Status: 404, Body: []byte("not found"), FinalURL: url}, nil
	}
	return &fetch.Response{Status: 200, Body: []byte(body), ContentType: "text/html; charset=utf-8", FinalURL: url}, nil
}

func (s *siteCapability) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fetcherFunc func(ctx context.Context, task *fetch.Task, ad profile.AntiDetection) (*fetch.RawPage, error)

func (f fetcherFunc) Fetch(ctx context.Context, task *fetch.Task, ad profile.AntiDetection) (*fetch.RawPage, error) {
	return f(ctx, task, ad)
}

func rawPage(url, body string) *fetch.RawPage {
	return &fetch.RawPage{URL: url, FinalURL: url, FetchedAt: time.Now(), Status: 200,
		ContentType: "text/html", Body: []byte(body)}
}

func testConfig(workers, maxPages int) *config.Config {
	return &config.Config{Workers: workers, MaxPages: maxPages}
}

func newDeps(fetcher Fetcher, tracker *metrics.Tracker) Deps {
	return Deps{
		Fetcher:  fetcher,
		Engine:   extract.NewEngine(price.Locale{DecimalSeparator: '.'}),
		Profiles: profile.NewStore(profile.AntiDetection{}, 3),
		Tracker:  tracker,
	}
}

func newOrchestrator(capability fetch.Capability, tracker *metrics.Tracker) *fetch.Orchestrator {
	return fetch.NewOrchestrator(fetch.Config{
		Timeout:     time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}, capability, fetch.NewGate(), fetch.NewIdentityPool(nil, nil), AttemptHook(tracker))
}

func TestCrawlerFollowsPaginationAndLearns(t *testing.T) {
	site := &siteCapability{pages: map[string]string{
		"https://shop.example.com/laptops":        listing("a", "/laptops?page=2"),
		"https://shop.example.com/laptops?page=2": listing("b", ""),
	}}
	tracker := metrics.NewTracker("run")
	deps := newDeps(newOrchestrator(site, tracker), tracker)
	c := NewCrawler(testConfig(2, 5), deps)

	require.NoError(t, c.EnqueueSeed("https://shop.example.com/laptops"))
	c.Start(context.Background())
	require.True(t, c.Wait(5*time.Second))

	assert.False(t, c.Interrupted())
	assert.Len(t, site.called(), 2)
	assert.Equal(t, 6, c.Buffer().Len())

	snap := tracker.GetSnapshot()
	assert.Equal(t, 2, snap.PagesFetched)
	assert.Equal(t, 2, snap.FetchAttempts)
	assert.Equal(t, 6, snap.ProductsExtracted)
	assert.Equal(t, 1, snap.ProfilesLearned)

	prof := deps.Profiles.Resolve("shop.example.com")
	assert.Equal(t, profile.SourceLearned, prof.Source)
	assert.Greater(t, prof.Confidence, profile.LearnedConfidence)

	for _, rec := range c.Buffer().Records() {
		assert.Equal(t, "shop.example.com", rec.Domain)
		assert.True(t, rec.Price.Known)
		assert.NotEmpty(t, rec.Article)
	}
}

func TestCrawlerRespectsMaxPages(t *testing.T) {
	site := &siteCapability{pages: map[string]string{
		"https://shop.example.com/laptops":        listing("a", "/laptops?page=2"),
		"https://shop.example.com/laptops?page=2": listing("b", ""),
	}}
	tracker := metrics.NewTracker("run")
	c := NewCrawler(testConfig(1, 1), newDeps(newOrchestrator(site, tracker), tracker))

	require.NoError(t, c.EnqueueSeed("https://shop.example.com/laptops"))
	c.Start(context.Background())
	require.True(t, c.Wait(5*time.Second))

	assert.Equal(t, []string{"https://shop.example.com/laptops"}, site.called())
	assert.Equal(t, 3, c.Buffer().Len())
}

func TestCrawlerRecordsFetchFailures(t *testing.T) {
	tracker := metrics.NewTracker("run")
	fetcher := fetcherFunc(func(_ context.Context, task *fetch.Task, _ profile.AntiDetection) (*fetch.RawPage, error) {
		if strings.Contains(task.URL, "down") {
			return nil, &fetch.Error{Kind: fetch.KindTimeout, URL: task.URL}
		}
		return rawPage(task.URL, listing("ok", "")), nil
	})
	c := NewCrawler(testConfig(2, 3), newDeps(fetcher, tracker))

	require.NoError(t, c.EnqueueSeed("https://down.example.com/laptops"))
	require.NoError(t, c.EnqueueSeed("https://up.example.com/laptops"))
	c.Start(context.Background())
	require.True(t, c.Wait(5*time.Second))

	snap := tracker.GetSnapshot()
	assert.Equal(t, 1, snap.PagesFailed)
	assert.Equal(t, 1, snap.PagesFetched)
	assert.Equal(t, 1, snap.FailureReasons["fetch:timeout"])
	assert.Equal(t, 3, c.Buffer().Len())
}

func TestCrawlerAppliesFilterAndTransformer(t *testing.T) {
	tracker := metrics.NewTracker("run")
	fetcher := fetcherFunc(func(_ context.Context, task *fetch.Task, _ profile.AntiDetection) (*fetch.RawPage, error) {
		return rawPage(task.URL, listing("f", "")), nil
	})
	deps := newDeps(fetcher, tracker)
	lo := mustDecimal(t, "500")
	deps.Filter = NewFilter(&lo, nil, nil)
	deps.Transformer = transform.NewTransformer(transform.Config{})

	c := NewCrawler(testConfig(1, 1), deps)
	require.NoError(t, c.EnqueueSeed("https://shop.example.com/laptops"))
	c.Start(context.Background())
	require.True(t, c.Wait(5*time.Second))

	// prices are 400, 800 and 1200
	assert.Equal(t, 2, c.Buffer().Len())
	snap := tracker.GetSnapshot()
	assert.Equal(t, 1, snap.ProductsFiltered)
	assert.Equal(t, 4, snap.TransformWarnings)

	for _, rec := range c.Buffer().Records() {
		assert.Equal(t, rec.Images, rec.TransformedImages)
		assert.Equal(t, rec.OriginalDescription, rec.Description)
	}
}

func TestCrawlerCancellationKeepsInFlightRecords(t *testing.T) {
	tracker := metrics.NewTracker("run")
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	fetcher := fetcherFunc(func(_ context.Context, task *fetch.Task, _ profile.AntiDetection) (*fetch.RawPage, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return rawPage(task.URL, listing("c", "/laptops?page=2")), nil
	})
	c := NewCrawler(testConfig(1, 5), newDeps(fetcher, tracker))
	require.NoError(t, c.EnqueueSeed("https://one.example.com/laptops"))
	require.NoError(t, c.EnqueueSeed("https://two.example.com/laptops"))
	require.NoError(t, c.EnqueueSeed("https://three.example.com/laptops"))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	<-started
	cancel()
	require.Eventually(t, c.Interrupted, time.Second, 5*time.Millisecond)
	close(release)

	require.True(t, c.Wait(5*time.Second))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 3, c.Buffer().Len())
	assert.True(t, c.Interrupted())
}

// timeoutCapability always times out and signals its first call
type timeoutCapability struct {
	calls atomic.Int32
	first chan struct{}
}

func (s *timeoutCapability) Fetch(_ context.Context, _ string, _ fetch.Identity, _ time.Duration) (*fetch.Response, error) {
	if s.calls.Add(1) == 1 {
		close(s.first)
	}
	return nil, context.DeadlineExceeded
}

func TestCrawlerCancellationStopsRetries(t *testing.T) {
	tracker := metrics.NewTracker("run")
	capability := &timeoutCapability{first: make(chan struct{})}
	orchestrator := fetch.NewOrchestrator(fetch.Config{
		Timeout:     time.Second,
		MaxAttempts: 3,
		BackoffBase: 300 * time.Millisecond,
		BackoffMax:  300 * time.Millisecond,
	}, capability, fetch.NewGate(), fetch.NewIdentityPool(nil, nil), AttemptHook(tracker))

	c := NewCrawler(testConfig(1, 1), newDeps(orchestrator, tracker))
	require.NoError(t, c.EnqueueSeed("https://slow.example.com/laptops"))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	<-capability.first
	cancel()

	start := time.Now()
	require.True(t, c.Wait(5*time.Second))
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	assert.Equal(t, int32(1), capability.calls.Load())
	snap := tracker.GetSnapshot()
	assert.Equal(t, 1, snap.FetchAttempts)
	assert.Equal(t, 1, snap.FailureReasons["fetch:cancelled"])
	assert.Eventually(t, c.Interrupted, time.Second, 5*time.Millisecond)
}

func TestEnqueueSeedRejectsInvalidURL(t *testing.T) {
	c := NewCrawler(testConfig(1, 1), newDeps(nil, nil))
	assert.Error(t, c.EnqueueSeed("laptops"))
	assert.NoError(t, c.EnqueueSeed("https://shop.example.com/"))
}

func TestRecordErrorsAggregatesReasons(t *testing.T) {
	tracker := metrics.NewTracker("run")
	c := NewCrawler(testConfig(1, 1), newDeps(nil, tracker))
	c.recordErrors([]error{
		&extract.ValidationError{Kind: extract.RequiredFieldMissing},
		&extract.ValidationError{Kind: extract.PriceUnparsable},
		&extract.ValidationError{Kind: extract.ContainerNotFound},
	})

	snap := tracker.GetSnapshot()
	assert.Equal(t, 1, snap.ProductsDropped)
	assert.Equal(t, 1, snap.PricesUnknown)
	assert.Equal(t, 1, snap.FailureReasons["extract:container_not_found"])
	assert.Equal(t, 1, snap.FailureReasons["extract:required_field_missing"])
}
