// Package workerpool runs the analysis pipeline: a pool of claim workers
// pulls pending jobs from the store, decodes audio into the bounded
// decoded queue, and a matching set of analysis workers drains the queue,
// extracts features or embeddings, and marks jobs terminal. A heartbeat
// ticker stamps in-flight jobs and a poller republishes progress snapshots
// when they change.
package workerpool

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/analyzer"
	"github.com/PORTALSURFER/sempal-sub005/pkg/config"
	"github.com/PORTALSURFER/sempal-sub005/pkg/decodedqueue"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

const (
	idleBackoffMin  = 100 * time.Millisecond
	idleBackoffMax  = time.Second
	shutdownTimeout = 5 * time.Second
)

// Config wires a pool to its collaborators. Store, Queue, Decoder,
// Features, Embedder, and ResolvePath are required.
type Config struct {
	Store    *jobstore.Store
	Queue    *decodedqueue.Queue
	Decoder  analyzer.Decoder
	Features analyzer.FeatureExtractor
	Embedder analyzer.EmbeddingExtractor

	// ResolvePath maps a claimed job to the absolute file path to decode.
	ResolvePath func(model.Job) (string, error)

	// Workers is the number of claim workers (and analysis workers).
	// Zero or less uses available parallelism minus one, floor one.
	Workers int

	// HeartbeatInterval is how often in-flight jobs are stamped.
	HeartbeatInterval time.Duration

	// ProgressPollInterval is how often progress is re-read.
	ProgressPollInterval time.Duration

	// MaxAnalysisDuration rejects samples longer than this before any
	// decoding happens. Zero disables the cutoff.
	MaxAnalysisDuration time.Duration

	// AllowedSources restricts claims to the listed source ids. Empty
	// means all sources.
	AllowedSources []string

	// Wakeup, when non-nil, cuts idle backoff short after an enqueue
	// pass inserted jobs.
	Wakeup <-chan struct{}
}

// Pool owns all pipeline goroutines. All state lives on the struct; two
// pools in one process do not interfere.
type Pool struct {
	store    *jobstore.Store
	queue    *decodedqueue.Queue
	decoder  analyzer.Decoder
	features analyzer.FeatureExtractor
	embedder analyzer.EmbeddingExtractor

	resolvePath          func(model.Job) (string, error)
	heartbeatInterval    time.Duration
	progressPollInterval time.Duration
	maxAnalysisDuration  time.Duration
	allowedSources       []string
	wakeup               <-chan struct{}
	logLevel             PoolLogLevel

	paused       atomic.Bool
	shuttingDown atomic.Bool

	mu       sync.Mutex
	started  bool
	workers  int
	runToken string
	stopCh   chan struct{}
	wg       *sync.WaitGroup

	// activeJobs is the set of claimed, not yet terminal job ids; the
	// heartbeat ticker stamps exactly these rows.
	activeMu   sync.Mutex
	activeJobs map[int64]struct{}

	events chan Event

	progressMu   sync.Mutex
	lastProgress model.Progress
	hasProgress  bool
}

// New validates the config and builds a stopped pool. Call Start to spawn
// workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Store == nil {
		return nil, errors.New("workerpool: store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("workerpool: decoded queue is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("workerpool: decoder is required")
	}
	if cfg.Features == nil {
		return nil, errors.New("workerpool: feature extractor is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("workerpool: embedding extractor is required")
	}
	if cfg.ResolvePath == nil {
		return nil, errors.New("workerpool: path resolver is required")
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = config.DefaultWorkers()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	poll := cfg.ProgressPollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	return &Pool{
		store:                cfg.Store,
		queue:                cfg.Queue,
		decoder:              cfg.Decoder,
		features:             cfg.Features,
		embedder:             cfg.Embedder,
		resolvePath:          cfg.ResolvePath,
		heartbeatInterval:    heartbeat,
		progressPollInterval: poll,
		maxAnalysisDuration:  cfg.MaxAnalysisDuration,
		allowedSources:       cfg.AllowedSources,
		wakeup:               cfg.Wakeup,
		logLevel:             parsePoolLogLevel(os.Getenv("SEMPAL_POOL_LOG")),
		workers:              workers,
		activeJobs:           make(map[int64]struct{}),
		events:               make(chan Event, 64),
	}, nil
}

// Events returns the pool's event channel. Sends never block; slow
// consumers lose events rather than stalling workers.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// IsStarted reports whether the pool's goroutines are running.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// IsPaused reports whether claiming is suspended.
func (p *Pool) IsPaused() bool {
	return p.paused.Load()
}

// Start recovers abandoned work from previous runs and spawns the worker,
// heartbeat, and progress goroutines. Start is idempotent.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.runToken = uuid.NewString()

	// Rows left running by a crashed process carry a different (or no)
	// claim token; hand them back to the pending pool before claiming.
	recovered, err := p.store.ResetAbandonedRunning(p.runToken)
	if err != nil {
		return fmt.Errorf("recovering abandoned jobs: %w", err)
	}

	p.spawnLocked()
	p.started = true

	p.logEvent(LogLevelInfo, "pool_start", map[string]any{
		"workers":   p.workers,
		"run_token": p.runToken,
		"recovered": recovered,
	})
	return nil
}

// spawnLocked starts all goroutines for the current worker count. Caller
// holds p.mu. Each spawn gets its own WaitGroup: a worker that outlives
// the shutdown timeout must not share a WaitGroup with a later respawn's
// Add calls.
func (p *Pool) spawnLocked() {
	p.shuttingDown.Store(false)
	stopCh := make(chan struct{})
	p.stopCh = stopCh

	wg := &sync.WaitGroup{}
	p.wg = wg

	for i := 0; i < p.workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p.claimLoop(i, stopCh)
		}(i)
		go func(i int) {
			defer wg.Done()
			p.analysisLoop(i, stopCh)
		}(i)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(stopCh)
	}()
	go func() {
		defer wg.Done()
		p.progressLoop(stopCh)
	}()
}

// stopLocked tears down all goroutines. Caller holds p.mu.
func (p *Pool) stopLocked() {
	p.shuttingDown.Store(true)
	close(p.stopCh)

	wg := p.wg
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		p.logEvent(LogLevelWarn, "shutdown_timeout", nil)
	}
}

// Cancel suspends claiming. In-flight jobs run to completion or failure;
// nothing new is claimed until Resume.
func (p *Pool) Cancel() {
	p.paused.Store(true)
	p.logEvent(LogLevelInfo, "pool_pause", nil)
}

// Resume lifts a Cancel.
func (p *Pool) Resume() {
	p.paused.Store(false)
	p.logEvent(LogLevelInfo, "pool_resume", nil)
}

// Shutdown stops all goroutines, waits for them to finish their current
// unit of work, and resets any still-running rows to pending so the next
// start can pick them up. Shutdown is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}
	p.stopLocked()
	p.started = false

	// Staged-but-unanalyzed items become pending again below; return
	// their buffers and clear the dedup markers.
	for _, item := range p.queue.Drain() {
		analyzer.PutAudio(item.Audio)
	}

	reset, err := p.store.ResetRunningToPending()
	if err != nil {
		p.logEvent(LogLevelError, "shutdown_reset_failed", map[string]any{
			"error": err.Error(),
		})
	}
	p.logEvent(LogLevelInfo, "pool_stop", map[string]any{"reset": reset})
}

// SetWorkerCount changes the pool size. On a running pool the workers are
// torn down and respawned; on a stopped pool only the count is updated.
// Counts below one fall back to the default.
func (p *Pool) SetWorkerCount(n int) {
	if n < 1 {
		n = config.DefaultWorkers()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers == n {
		return
	}
	old := p.workers
	p.workers = n

	if p.started {
		p.stopLocked()
		p.spawnLocked()
	}
	p.logEvent(LogLevelInfo, "pool_resize", map[string]any{
		"from": old,
		"to":   n,
	})
}

func (p *Pool) publish(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Pool) trackJob(id int64) {
	p.activeMu.Lock()
	p.activeJobs[id] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(id int64) {
	p.activeMu.Lock()
	delete(p.activeJobs, id)
	p.activeMu.Unlock()
}

func (p *Pool) activeJobIDs() []int64 {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]int64, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

// heartbeatLoop periodically stamps every claimed, non-terminal job so
// stuck-job detection can tell slow work from dead work.
func (p *Pool) heartbeatLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ids := p.activeJobIDs()
			if len(ids) == 0 {
				continue
			}
			if err := p.store.Heartbeat(ids); err != nil {
				p.logEvent(LogLevelWarn, "heartbeat_failed", map[string]any{
					"jobs":  len(ids),
					"error": err.Error(),
				})
			}
		}
	}
}

// progressLoop re-reads progress at a fixed interval and publishes only
// snapshots that differ from the last published one.
func (p *Pool) progressLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(p.progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			progress, err := p.store.CurrentProgress()
			if err != nil {
				p.logEvent(LogLevelWarn, "progress_poll_failed", map[string]any{
					"error": err.Error(),
				})
				continue
			}

			p.progressMu.Lock()
			changed := !p.hasProgress || progress != p.lastProgress
			if changed {
				p.lastProgress = progress
				p.hasProgress = true
			}
			p.progressMu.Unlock()

			if changed {
				p.publish(ProgressUpdated{Progress: progress})
			}
		}
	}
}
