package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alvmarrod/shelf-weaver/internal/config"
	"github.com/alvmarrod/shelf-weaver/internal/crawler"
	"github.com/alvmarrod/shelf-weaver/internal/extract"
	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/memory"
	"github.com/alvmarrod/shelf-weaver/internal/metrics"
	"github.com/alvmarrod/shelf-weaver/internal/output"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/storage"
	"github.com/alvmarrod/shelf-weaver/internal/transform"
	"github.com/alvmarrod/shelf-weaver/internal/trend"
	"github.com/alvmarrod/shelf-weaver/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run [seed URLs...]",
	Short: "Extract products from seed listings and diff against history",
	Long: `Run fetches every seed URL (plus pagination up to max_pages), extracts
products with the learned or inferred site rules, transforms descriptions and
images, then seals a snapshot, stores it and prints the diff against the
previous snapshot of the same source.

Seeds given as arguments replace the seeds of the config file. With --discover,
the category listings linked from each seed's navigation menus and sitemaps are
crawled as additional seeds under the same source.
The first SIGINT/SIGTERM stops the run and seals a partial snapshot; a second
one writes an emergency checkpoint and exits immediately.`,
	RunE: runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.Int("workers", 0, "concurrent workers")
	flags.String("fetch-mode", "", "fetch mode: static or dynamic")
	flags.Int("max-pages", 0, "max listing pages per seed")
	flags.StringP("output", "o", "", "output file for the run report")
	flags.StringP("format", "f", "", "output format: json, jsonl or yaml")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.String("image-service", "", "background removal service URL")
	flags.String("checkpoint", "weaver-checkpoint.json", "emergency checkpoint file")
	flags.Bool("resume", false, "seed the run with records from the checkpoint file")
	flags.Bool("discover", false, "also crawl the category listings found in each seed's menus and sitemaps")

	_ = viper.BindPFlag("concurrent_workers", flags.Lookup("workers"))
	_ = viper.BindPFlag("fetch_mode", flags.Lookup("fetch-mode"))
	_ = viper.BindPFlag("max_pages", flags.Lookup("max-pages"))
	_ = viper.BindPFlag("output_path", flags.Lookup("output"))
	_ = viper.BindPFlag("output_format", flags.Lookup("format"))
	_ = viper.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	_ = viper.BindPFlag("image_service_url", flags.Lookup("image-service"))
	_ = viper.BindPFlag("discover_categories", flags.Lookup("discover"))
}

// minQualityScore is the data quality score below which a run is flagged
const minQualityScore = 0.8

func runRun(cmd *cobra.Command, args []string) error {
	logrus.Infof("Starting %s", version.Full())

	// Load configuration
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	seeds := cfg.Seeds
	if len(args) > 0 {
		seeds = args
	}
	if len(seeds) == 0 {
		return errors.New("no seed URLs: pass them as arguments or set seeds in the config")
	}
	format, err := output.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return err
	}
	checkpointPath, _ := cmd.Flags().GetString("checkpoint")
	resume, _ := cmd.Flags().GetBool("resume")

	logrus.WithFields(logrus.Fields{
		"seeds":      len(seeds),
		"workers":    cfg.Workers,
		"fetch_mode": cfg.FetchMode,
		"max_pages":  cfg.MaxPages,
	}).Info("Configuration loaded")

	// Initialize storage
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	logrus.Infof("Database initialized: %s", cfg.DBPath)

	profiles, err := newProfileStore(cmd.Context(), cfg, store)
	if err != nil {
		return err
	}

	runID := uuid.Must(uuid.NewV7()).String()
	tracker := metrics.NewTracker(runID)
	buffer := memory.NewRecordBuffer()
	if resume {
		if err := resumeFromCheckpoint(buffer, checkpointPath); err != nil {
			return err
		}
	}

	orchestrator, err := newOrchestrator(cfg, tracker)
	if err != nil {
		return err
	}
	transformer, err := newTransformer(cfg)
	if err != nil {
		return err
	}

	lo, hi := cfg.PriceBounds()
	filter := crawler.NewFilter(lo, hi, cfg.Categories)
	descriptors := filter.Describe()
	if cfg.Discover {
		descriptors = append(descriptors, "discover=categories")
	}
	source := trend.SourceFor(seeds, descriptors...)

	c := crawler.NewCrawler(cfg, crawler.Deps{
		Fetcher:     orchestrator,
		Engine:      extract.NewEngine(cfg.Locale()),
		Profiles:    profiles,
		Transformer: transformer,
		Buffer:      buffer,
		Tracker:     tracker,
		Filter:      filter,
	})
	for _, seed := range seeds {
		if err := c.EnqueueSeed(seed); err != nil {
			return err
		}
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, tracker)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	defer close(runDone)
	go forceQuitOnSecondSignal(ctx, stop, runDone, func() {
		if err := buffer.Checkpoint(checkpointPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency checkpoint failed: %v", err)
		}
		if cfg.MetricsPath != "" {
			tracker.Finish("forced_exit")
			if err := tracker.WriteToFile(cfg.MetricsPath); err != nil {
				logrus.Errorf("Emergency metrics save failed: %v", err)
			}
		}
	})

	startedAt := time.Now().UTC()
	if cfg.Discover {
		discoverCategories(ctx, crawler.NewDiscoverer(orchestrator, profiles, cfg.MaxCategories), c, seeds)
	}
	c.Start(ctx)

	// Start progress logger
	var wg sync.WaitGroup
	stopProgress := make(chan struct{})
	if cfg.ProgressInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					queued, active := c.Status()
					logrus.Infof("%s | Queue: %d queued, %d active", tracker.LogProgress(), queued, active)
				case <-stopProgress:
					return
				}
			}
		}()
	}

	// Wait for the queue to drain or a signal to stop it
	c.Wait(0)
	close(stopProgress)
	wg.Wait()

	interrupted := c.Interrupted()
	terminationReason := "completed"
	if interrupted {
		terminationReason = "interrupted"
	}

	logrus.Info("Initiating shutdown...")
	logrus.Info("Step 1/5: Stopping crawler workers...")
	c.Stop()

	logrus.Info("Step 2/5: Sealing snapshot...")
	snap := trend.Seal(source, startedAt, buffer.Records(), interrupted)
	logrus.WithFields(logrus.Fields{
		"snapshot": snap.ID(),
		"records":  snap.Len(),
		"partial":  snap.Partial(),
	}).Info("Snapshot sealed")

	// Use a fresh context: the run context may already be cancelled
	persistCtx := context.WithoutCancel(ctx)

	logrus.Info("Step 3/5: Persisting snapshot and computing diff...")
	diff, err := persistSnapshot(persistCtx, store, snap, cfg.HistoryWindow)
	if err != nil {
		logrus.Errorf("Failed to persist snapshot: %v", err)
		if cerr := buffer.Checkpoint(checkpointPath, "storage_failure"); cerr != nil {
			logrus.Errorf("Checkpoint failed: %v", cerr)
		}
		terminationReason = "storage_failure"
	} else if resume {
		if err := os.Remove(checkpointPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.Warnf("Failed to remove checkpoint: %v", err)
		}
	}

	logrus.Info("Step 4/5: Writing report and metrics...")
	report := output.NewReport(snap, diff)
	tracker.SetQualityScore(report.Quality.Score)
	if report.Quality.Total > 0 && report.Quality.Score < minQualityScore {
		logrus.WithFields(logrus.Fields{
			"completeness": report.Quality.Completeness,
			"validity":     report.Quality.Validity,
		}).Warnf("Data quality score %.2f is below %.2f; check the extraction rules for %s", report.Quality.Score, minQualityScore, source.Label)
	}
	if cfg.OutputPath != "" {
		if err := output.WriteReportFile(cfg.OutputPath, format, report); err != nil {
			logrus.Errorf("Failed to write report: %v", err)
		} else {
			logrus.Infof("Report written to %s", cfg.OutputPath)
		}
	}
	if diff != nil {
		if err := output.WriteSummary(cmd.OutOrStdout(), *diff); err != nil {
			logrus.Warnf("Failed to print summary: %v", err)
		}
	}
	if err := output.WriteQuality(cmd.OutOrStdout(), report.Quality); err != nil {
		logrus.Warnf("Failed to print quality summary: %v", err)
	}

	logrus.Info("Final stats: " + tracker.LogProgress())
	final := tracker.Finish(terminationReason)
	if cfg.MetricsPath != "" {
		if err := tracker.WriteToFile(cfg.MetricsPath); err != nil {
			logrus.Errorf("Failed to write metrics: %v", err)
		} else {
			logrus.Infof("Metrics written to %s", cfg.MetricsPath)
		}
	}
	if err := store.SaveRun(persistCtx, source.Key, final); err != nil {
		logrus.Warnf("Failed to save run: %v", err)
	}

	logrus.Info("Step 5/5: Closing resources...")
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(persistCtx, 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	logrus.Info("Shutdown complete. Goodbye!")
	if terminationReason == "storage_failure" {
		return fmt.Errorf("snapshot not stored; records saved to %s", checkpointPath)
	}
	return nil
}

// discoverCategories enqueues the category listings found from each seed.
// A seed whose discovery fails is still crawled on its own.
func discoverCategories(ctx context.Context, d *crawler.Discoverer, c *crawler.Crawler, seeds []string) {
	for _, seed := range seeds {
		categories, err := d.Discover(ctx, seed)
		if err != nil {
			logrus.Warnf("Category discovery for %s failed: %v", seed, err)
		}
		for _, cat := range categories {
			if err := c.EnqueueSeed(cat.URL); err != nil {
				logrus.Debugf("Skipping category %s: %v", cat.URL, err)
				continue
			}
			logrus.WithFields(logrus.Fields{"category": cat.Name, "found_in": cat.FoundIn}).Debugf("Enqueued %s", cat.URL)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// resumeFromCheckpoint preloads records saved by an interrupted run
func resumeFromCheckpoint(buffer *memory.RecordBuffer, path string) error {
	records, err := memory.LoadCheckpoint(path)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Infof("No checkpoint at %s, starting fresh", path)
		return nil
	}
	if err != nil {
		return err
	}
	for _, rec := range records {
		buffer.Add(rec)
	}
	logrus.Infof("Resumed %d records from %s", len(records), path)
	return nil
}

// newProfileStore builds the profile store with user overrides and persisted profiles
func newProfileStore(ctx context.Context, cfg *config.Config, store *storage.Storage) (*profile.Store, error) {
	opts := []profile.Option{profile.WithPersister(store)}
	if cfg.SiteRulesPath != "" {
		overrides, err := config.LoadSiteRules(cfg.SiteRulesPath)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Loaded site rules for %d domains", len(overrides))
		opts = append(opts, profile.WithOverrides(overrides))
	}

	profiles := profile.NewStore(cfg.ProfileAntiDetection(), cfg.FailureThreshold, opts...)
	existing, err := store.LoadProfiles(ctx)
	if err != nil {
		return nil, err
	}
	profiles.Load(existing)
	return profiles, nil
}

// newOrchestrator wires the fetch capability for the configured mode
func newOrchestrator(cfg *config.Config, tracker *metrics.Tracker) (*fetch.Orchestrator, error) {
	var proxies []string
	if cfg.ProxyFile != "" {
		var err error
		if proxies, err = config.LoadProxies(cfg.ProxyFile); err != nil {
			return nil, err
		}
		logrus.Infof("Loaded %d proxies", len(proxies))
	}
	pool := fetch.NewIdentityPool(cfg.UserAgents, proxies)
	if cfg.AntiDetection.UseProxyPool && !pool.HasProxies() {
		return nil, fmt.Errorf("anti_detection.use_proxy_pool is set but %s lists no proxies", cfg.ProxyFile)
	}

	var capability fetch.Capability
	switch cfg.FetchMode {
	case "dynamic":
		capability = fetch.NewChromeFetcher(cfg.ChromePath)
	default:
		capability = fetch.NewCollyFetcher()
	}

	return fetch.NewOrchestrator(cfg.FetchConfig(), capability, fetch.NewGate(), pool, crawler.AttemptHook(tracker)), nil
}

// newTransformer wires the synonym rewriter and, when configured, the image pipeline
func newTransformer(cfg *config.Config) (*transform.Transformer, error) {
	dict := transform.DefaultDictionary()
	if cfg.DictionaryPath != "" {
		user, err := config.LoadDictionary(cfg.DictionaryPath)
		if err != nil {
			return nil, err
		}
		dict = transform.MergeDictionaries(dict, user)
	}

	tc := transform.Config{
		Text:       transform.NewSynonymRewriter(transform.DefaultPreservedTerms),
		Dictionary: dict,
		Timeout:    cfg.CapabilityTimeout,
	}

	if cfg.ImageServiceURL != "" {
		userAgent := fetch.DefaultUserAgents[0]
		if len(cfg.UserAgents) > 0 {
			userAgent = cfg.UserAgents[0]
		}
		sink, err := transform.NewDiskImageSink(cfg.ImageDir)
		if err != nil {
			return nil, err
		}
		tc.Images = transform.NewRemoteBackgroundRemover(cfg.ImageServiceURL, userAgent)
		tc.Loader = transform.NewHTTPImageLoader(userAgent)
		tc.Sink = sink
	}
	return transform.NewTransformer(tc), nil
}

// persistSnapshot diffs snap against stored history, then appends it and prunes
// the source to the newest window snapshots
func persistSnapshot(ctx context.Context, store *storage.Storage, snap trend.Snapshot, window int) (*trend.DiffResult, error) {
	history, err := store.LoadHistory(ctx, snap.Source().Key, window)
	if err != nil {
		return nil, err
	}
	diff := trend.Diff(snap, history, window)

	if err := store.AppendSnapshot(ctx, snap); err != nil {
		return &diff, err
	}
	pruned, err := store.PruneSnapshots(ctx, snap.Source().Key, window)
	if err != nil {
		logrus.Warnf("Failed to prune snapshots: %v", err)
	} else if pruned > 0 {
		logrus.Debugf("Pruned %d old snapshots", pruned)
	}
	return &diff, nil
}

// startMetricsServer serves /metrics when addr is set
func startMetricsServer(addr string, tracker *metrics.Tracker) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", tracker.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Metrics server failed: %v", err)
		}
	}()
	logrus.Infof("Serving metrics on %s/metrics", addr)
	return srv
}

// forceQuitOnSecondSignal waits for the first signal to cancel ctx, then exits
// the process on the next one after running emergency
func forceQuitOnSecondSignal(ctx context.Context, stop context.CancelFunc, done <-chan struct{}, emergency func()) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}
	select {
	case <-done:
		return
	default:
	}

	forceQuit := make(chan os.Signal, 1)
	signal.Notify(forceQuit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceQuit)
	stop()
	logrus.Warn("Stopping: finishing in-flight pages, press Ctrl+C again to force exit")

	select {
	case sig := <-forceQuit:
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		logrus.Warn("Attempting emergency save...")
		emergency()
		os.Exit(1)
	case <-done:
	}
}
