package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/analyzer"
	"github.com/PORTALSURFER/sempal-sub005/pkg/config"
	"github.com/PORTALSURFER/sempal-sub005/pkg/decodedqueue"
	"github.com/PORTALSURFER/sempal-sub005/pkg/enqueue"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
	"github.com/PORTALSURFER/sempal-sub005/pkg/scanner"
	"github.com/PORTALSURFER/sempal-sub005/pkg/version"
	"github.com/PORTALSURFER/sempal-sub005/pkg/watcher"
	"github.com/PORTALSURFER/sempal-sub005/pkg/workerpool"
)

func main() {
	help := flag.Bool("help", false, "Show help")
	versionFlag := flag.Bool("version", false, "Show version")
	configPath := flag.String("config", "", "Config file path (default: XDG config dir)")
	dbPath := flag.String("db", "", "Database file path (overrides config)")
	sourceFlag := flag.String("source", "", "Restrict to one source id")
	workers := flag.Int("workers", 0, "Worker count (default: CPUs minus one)")
	scanFlag := flag.Bool("scan", false, "Scan sources, enqueue changed samples, and process until idle")
	backfillFlag := flag.String("backfill", "", "Backfill mode: 'force' or 'missing'")
	statusFlag := flag.Bool("status", false, "Print pipeline status and exit")
	watchFlag := flag.Bool("watch", false, "Scan, then watch sources and process continuously")
	flag.Parse()

	if *help {
		fmt.Println("Usage: sempal [options]")
		fmt.Println("\nSample analysis pipeline: scans sample sources, schedules analysis")
		fmt.Println("jobs, and extracts features and embeddings in the background.")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("sempal %s (analysis %s)\n", version.Version, version.AnalysisVersion)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	sources := cfg.Sources
	if *sourceFlag != "" {
		src := cfg.FindSource(*sourceFlag)
		if src == nil {
			fmt.Fprintf(os.Stderr, "Unknown source %q; configured sources: %s\n",
				*sourceFlag, sourceIDs(cfg.Sources))
			os.Exit(1)
		}
		sources = []config.Source{*src}
	}
	if len(sources) == 0 && !*statusFlag {
		fmt.Fprintln(os.Stderr, "No sources configured. Add sources to the config file first.")
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	store, err := openStore(cfg, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening job store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *statusFlag {
		if err := printStatus(store, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}
		return
	}

	mode := strings.ToLower(strings.TrimSpace(*backfillFlag))
	if !*scanFlag && !*watchFlag && mode == "" {
		fmt.Fprintln(os.Stderr, "Nothing to do: pass -scan, -watch, -backfill, or -status.")
		os.Exit(2)
	}

	ctx, cancel := signalContext()
	defer cancel()

	engine := enqueue.New(store)
	pool, err := buildPool(cfg, store, engine, sources, *workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building worker pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Shutdown()

	sc := scanner.New(store, cfg.Scan.HashWorkers)

	switch {
	case mode != "":
		bm, err := parseBackfillMode(mode)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		for _, src := range sources {
			inserted, err := engine.Backfill(src.ID, bm)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Backfill of %s failed: %v\n", src.ID, err)
				os.Exit(1)
			}
			fmt.Printf("source %s: %d jobs queued\n", src.ID, inserted)
		}

	case *scanFlag, *watchFlag:
		if err := scanAll(ctx, sc, engine, sources); err != nil {
			fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
			os.Exit(1)
		}
	}

	if err := pool.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting worker pool: %v\n", err)
		os.Exit(1)
	}

	if *watchFlag {
		runWatch(ctx, cfg, sc, engine, sources)
		return
	}

	if err := waitUntilIdle(ctx, store, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	progress, err := store.CurrentProgress()
	if err == nil {
		fmt.Printf("done: %d/%d samples analyzed, %d failed\n",
			progress.SamplesCompleted, progress.SamplesTotal, progress.Failed)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func openStore(cfg config.Config, override string) (*jobstore.Store, error) {
	path := override
	if path == "" {
		dir := cfg.DatabaseDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "sempal.db")
	}
	return jobstore.Open(path)
}

func buildPool(cfg config.Config, store *jobstore.Store, engine *enqueue.Engine, sources []config.Source, workers int) (*workerpool.Pool, error) {
	if workers <= 0 {
		workers = cfg.Pipeline.Workers
	}

	allowed := cfg.Pipeline.AllowedSources
	if len(sources) != len(cfg.Sources) {
		allowed = nil
		for _, src := range sources {
			allowed = append(allowed, src.ID)
		}
	}

	resolve := func(job model.Job) (string, error) {
		sourceID, rel, ok := job.SampleID.Split()
		if !ok {
			return "", fmt.Errorf("malformed sample id %q", job.SampleID)
		}
		src := cfg.FindSource(sourceID)
		if src == nil {
			return "", fmt.Errorf("sample belongs to unconfigured source %q", sourceID)
		}
		return filepath.Join(src.ResolvedPath(), filepath.FromSlash(rel)), nil
	}

	return workerpool.New(workerpool.Config{
		Store:                store,
		Queue:                decodedqueue.New(cfg.Pipeline.DecodedQueueSize),
		Decoder:              analyzer.WAVDecoder{},
		Features:             analyzer.SpectralExtractor{},
		Embedder:             analyzer.SpectrumEmbedder{Dim: analyzer.DefaultEmbeddingDim},
		ResolvePath:          resolve,
		Workers:              workers,
		HeartbeatInterval:    cfg.Pipeline.HeartbeatInterval(),
		ProgressPollInterval: cfg.Pipeline.ProgressPollInterval(),
		MaxAnalysisDuration:  time.Duration(cfg.Pipeline.MaxAnalysisDurationS) * time.Second,
		AllowedSources:       allowed,
		Wakeup:               engine.Wakeup(),
	})
}

func parseBackfillMode(mode string) (enqueue.BackfillMode, error) {
	switch mode {
	case "force":
		return enqueue.BackfillForce, nil
	case "missing", "missing-only":
		return enqueue.BackfillMissingOnly, nil
	default:
		return 0, fmt.Errorf("invalid -backfill mode %q (use 'force' or 'missing')", mode)
	}
}

func scanAll(ctx context.Context, sc *scanner.Scanner, engine *enqueue.Engine, sources []config.Source) error {
	for _, src := range sources {
		changed, err := sc.Scan(ctx, src)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", src.ID, err)
		}
		inserted, err := engine.EnqueueChanged(src.ID, changed)
		if err != nil {
			return fmt.Errorf("enqueueing for %s: %w", src.ID, err)
		}
		fmt.Printf("source %s: %d changed, %d jobs queued\n", src.ID, len(changed), inserted)
	}
	return nil
}

// runWatch keeps watchers running and rescans a source whenever it
// changes, until the context is cancelled.
func runWatch(ctx context.Context, cfg config.Config, sc *scanner.Scanner, engine *enqueue.Engine, sources []config.Source) {
	rescan := make(chan config.Source, len(sources))

	var watchers []*watcher.Watcher
	for _, src := range sources {
		src := src
		w, err := watcher.NewWatcher(src.ID, src.ResolvedPath(),
			watcher.WithDebounceDuration(time.Duration(cfg.Scan.DebounceMS)*time.Millisecond),
			watcher.WithOnChange(func() {
				select {
				case rescan <- src:
				default:
				}
			}),
			watcher.WithOnError(func(err error) {
				fmt.Fprintf(os.Stderr, "watcher %s: %v\n", src.ID, err)
			}),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher for %s: %v\n", src.ID, err)
			continue
		}
		if err := w.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting watcher for %s: %v\n", src.ID, err)
			continue
		}
		watchers = append(watchers, w)
	}
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	fmt.Printf("watching %d source(s); press Ctrl-C to stop\n", len(watchers))
	for {
		select {
		case <-ctx.Done():
			return
		case src := <-rescan:
			changed, err := sc.Scan(ctx, src)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Rescan of %s failed: %v\n", src.ID, err)
				continue
			}
			if len(changed) == 0 {
				continue
			}
			inserted, err := engine.EnqueueChanged(src.ID, changed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Enqueue for %s failed: %v\n", src.ID, err)
				continue
			}
			fmt.Printf("source %s: %d changed, %d jobs queued\n", src.ID, len(changed), inserted)
		}
	}
}

// waitUntilIdle blocks until all jobs reach a terminal state or the
// context is cancelled.
func waitUntilIdle(ctx context.Context, store *jobstore.Store, cfg config.Config) error {
	ticker := time.NewTicker(cfg.Pipeline.ProgressPollInterval())
	defer ticker.Stop()

	var last model.Progress
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted; in-flight jobs will resume on next start")
		case <-ticker.C:
			progress, err := store.CurrentProgress()
			if err != nil {
				return fmt.Errorf("reading progress: %w", err)
			}
			if progress != last {
				last = progress
				fmt.Printf("\rpending %d  running %d  failed %d  done %d/%d   ",
					progress.Pending, progress.Running, progress.Failed,
					progress.SamplesCompleted, progress.SamplesTotal)
			}
			if progress.Idle() {
				fmt.Println()
				return nil
			}
		}
	}
}

func printStatus(store *jobstore.Store, cfg config.Config) error {
	progress, err := store.CurrentProgress()
	if err != nil {
		return err
	}
	fmt.Printf("samples: %d total, %d analyzed\n", progress.SamplesTotal, progress.SamplesCompleted)
	fmt.Printf("jobs:    %d pending, %d running, %d failed\n",
		progress.Pending, progress.Running, progress.Failed)

	running, err := store.RunningJobInfos(time.Now(), cfg.Pipeline.StaleRunningThreshold(), 10)
	if err != nil {
		return err
	}
	for _, info := range running {
		marker := ""
		if info.Stale {
			marker = "  [stale]"
		}
		fmt.Printf("  running: %s %s for %s%s\n",
			info.JobType, info.SampleID.RelPath(), info.Elapsed.Round(time.Second), marker)
	}

	if progress.Failed > 0 {
		reasons, err := store.FailedJobReasons("")
		if err != nil {
			return err
		}
		shown := 0
		for id, reason := range reasons {
			if shown >= 5 {
				fmt.Printf("  ... and %d more\n", len(reasons)-shown)
				break
			}
			fmt.Printf("  failed: %s: %s\n", id.RelPath(), reason)
			shown++
		}
	}
	return nil
}

func sourceIDs(sources []config.Source) string {
	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		ids = append(ids, src.ID)
	}
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-sigCh:
			cancel()
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
