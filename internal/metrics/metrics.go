package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alvmarrod/shelf-weaver/internal/storage"
)

const namespace = "weaver"

// Tracker holds and manages run metrics. Every counter is mirrored to a
// Prometheus registry owned by the tracker.
type Tracker struct {
	mu               sync.Mutex
	data             storage.Metrics
	totalFetchTimeMs int64
	fetchCount       int

	registry      *prometheus.Registry
	pages         *prometheus.CounterVec
	attempts      prometheus.Counter
	products      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	bytesFetched  prometheus.Counter
	fetchDuration prometheus.Histogram
	warnings      prometheus.Counter
	learned       prometheus.Counter
	quality       prometheus.Gauge
}

// NewTracker creates a new metrics tracker
func NewTracker(runID string) *Tracker {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Tracker{
		data: storage.Metrics{
			RunID:          runID,
			StartTime:      time.Now(),
			FailureReasons: map[string]int{},
		},
		registry: reg,
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Pages processed, by result.",
		}, []string{"result"}),
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts including retries.",
		}),
		products: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_total",
			Help:      "Products seen, by outcome.",
		}, []string{"outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures by stage and reason.",
		}, []string{"stage", "reason"}),
		bytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Response body bytes fetched.",
		}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of successful page fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		warnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_warnings_total",
			Help:      "Transform capability fallbacks.",
		}),
		learned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profiles_learned_total",
			Help:      "Rule sets adopted from inference.",
		}),
		quality: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_quality_score",
			Help:      "Data quality score of the last sealed snapshot, 0 to 1.",
		}),
	}
}

// IncrementFetchAttempts counts one fetch attempt
func (t *Tracker) IncrementFetchAttempts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.FetchAttempts++
	t.attempts.Inc()
}

// IncrementAntiBotBlocks counts one blocked attempt
func (t *Tracker) IncrementAntiBotBlocks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.AntiBotBlocks++
}

// RecordPageFetched records a successful fetch and its duration
func (t *Tracker) RecordPageFetched(bytes int, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFetched++
	t.data.BytesFetched += int64(bytes)
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++

	t.pages.WithLabelValues("fetched").Inc()
	t.bytesFetched.Add(float64(bytes))
	t.fetchDuration.Observe(duration.Seconds())
}

// RecordPageFailed records a page given up on, with its failure reason
func (t *Tracker) RecordPageFailed(stage, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFailed++
	t.pages.WithLabelValues("failed").Inc()
	t.recordFailure(stage, reason)
}

// RecordFailure adds one entry to the failure-reason histogram
func (t *Tracker) RecordFailure(stage, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordFailure(stage, reason)
}

func (t *Tracker) recordFailure(stage, reason string) {
	t.data.FailureReasons[stage+":"+reason]++
	t.failures.WithLabelValues(stage, reason).Inc()
}

// AddProductsExtracted counts records accepted from extraction
func (t *Tracker) AddProductsExtracted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.ProductsExtracted += n
	t.products.WithLabelValues("extracted").Add(float64(n))
}

// IncrementProductsDropped counts a record dropped by validation
func (t *Tracker) IncrementProductsDropped(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.ProductsDropped++
	t.products.WithLabelValues("dropped").Inc()
	t.recordFailure("extract", reason)
}

// IncrementProductsFiltered counts a record rejected by price or category filters
func (t *Tracker) IncrementProductsFiltered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.ProductsFiltered++
	t.products.WithLabelValues("filtered").Inc()
}

// IncrementPricesUnknown counts a record kept with an unknown price
func (t *Tracker) IncrementPricesUnknown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PricesUnknown++
	t.recordFailure("extract", "price_unparsable")
}

// RecordTransformWarning counts one capability fallback
func (t *Tracker) RecordTransformWarning(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.TransformWarnings++
	t.warnings.Inc()
	t.recordFailure("transform", reason)
}

// IncrementProfilesLearned counts an adopted rule set
func (t *Tracker) IncrementProfilesLearned() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.ProfilesLearned++
	t.learned.Inc()
}

// SetQualityScore records the data quality score of the sealed snapshot
func (t *Tracker) SetQualityScore(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.QualityScore = score
	t.quality.Set(score)
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() storage.Metrics {
	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs
	snapshot.FailureReasons = make(map[string]int, len(t.data.FailureReasons))
	for k, v := range t.data.FailureReasons {
		snapshot.FailureReasons[k] = v
	}

	// Calculate average fetch time
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	return snapshot
}

// Finish stamps the end time and termination reason and returns the final metrics
func (t *Tracker) Finish(reason string) storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	return t.snapshot()
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path string) error {
	jsonData, err := json.MarshalIndent(t.GetSnapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

// LogProgress formats current metrics for the periodic progress line
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := fmt.Sprintf("Pages: %d fetched, %d failed (%s) | Products: %d extracted, %d dropped, %d filtered | Attempts: %d, blocked %d",
		t.data.PagesFetched,
		t.data.PagesFailed,
		humanize.Bytes(uint64(t.data.BytesFetched)),
		t.data.ProductsExtracted,
		t.data.ProductsDropped,
		t.data.ProductsFiltered,
		t.data.FetchAttempts,
		t.data.AntiBotBlocks,
	)
	if top := topReasons(t.data.FailureReasons, 3); top != "" {
		line += " | Top failures: " + top
	}
	return line
}

// topReasons lists the n most frequent failure reasons
func topReasons(reasons map[string]int, n int) string {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if reasons[keys[i]] != reasons[keys[j]] {
			return reasons[keys[i]] > reasons[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, reasons[k])
	}
	return strings.Join(parts, ", ")
}

// Registry exposes the Prometheus registry
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// Handler serves the tracker's Prometheus metrics
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
