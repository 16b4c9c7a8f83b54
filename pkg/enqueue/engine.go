// Package enqueue translates change signals into job rows: scan results in
// incremental mode, whole-source sweeps in backfill mode. It decides
// staleness, invalidates stale artifacts, and inserts jobs in one
// transaction per batch.
package enqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/debug"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
	"github.com/PORTALSURFER/sempal-sub005/pkg/version"
)

// BackfillMode selects which samples a backfill pass schedules.
type BackfillMode int

const (
	// BackfillForce re-enqueues every sample regardless of staleness.
	// Used after the analysis algorithm itself changed.
	BackfillForce BackfillMode = iota
	// BackfillMissingOnly enqueues only samples lacking a required
	// downstream artifact.
	BackfillMissingOnly
)

func (m BackfillMode) String() string {
	switch m {
	case BackfillForce:
		return "force"
	case BackfillMissingOnly:
		return "missing-only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Event is published after each enqueue pass. Exactly one of the concrete
// types EnqueueFinished or EnqueueFailed.
type Event interface{ enqueueEvent() }

// EnqueueFinished reports a completed pass and the progress snapshot taken
// right after it.
type EnqueueFinished struct {
	SourceID string
	Inserted int
	Progress model.Progress
}

// EnqueueFailed reports a pass that could not be applied. The store is
// unchanged; the batch is all-or-nothing.
type EnqueueFailed struct {
	SourceID string
	Err      error
}

func (EnqueueFinished) enqueueEvent() {}
func (EnqueueFailed) enqueueEvent()   {}

// Engine decides which samples need (re)work and writes the corresponding
// job rows. Overlapping passes for the same source are serialized so a
// watcher-triggered incremental pass cannot interleave with a backfill of
// the same source.
type Engine struct {
	store *jobstore.Store

	// analysisVersion is compared against stored per-sample versions; a
	// mismatch marks the sample stale.
	analysisVersion string

	mu       sync.Mutex
	bySource map[string]*sync.Mutex

	wakeup chan struct{}
	events chan Event
}

// New returns an engine writing through the given store, tagging work with
// the current analysis version.
func New(store *jobstore.Store) *Engine {
	return &Engine{
		store:           store,
		analysisVersion: version.AnalysisVersion,
		bySource:        make(map[string]*sync.Mutex),
		wakeup:          make(chan struct{}, 1),
		events:          make(chan Event, 16),
	}
}

// Wakeup returns the channel signaled whenever a pass inserts at least one
// job. Idle workers select on it to cut their backoff short.
func (e *Engine) Wakeup() <-chan struct{} {
	return e.wakeup
}

// Events returns the channel of pass outcomes. Sends never block; when no
// consumer keeps up, events are dropped.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// EnqueueChanged runs an incremental pass over scan results for one
// source. Every changed sample is upserted; jobs are created only for the
// stale subset. Returns the number of job rows inserted.
func (e *Engine) EnqueueChanged(sourceID string, changed []model.ChangedSample) (int, error) {
	unlock := e.lockSource(sourceID)
	defer unlock()

	if len(changed) == 0 {
		return 0, nil
	}

	metadata := make([]model.SampleMetadata, 0, len(changed))
	ids := make([]model.SampleID, 0, len(changed))
	observed := make(map[model.SampleID]string, len(changed))
	for _, c := range changed {
		id, err := model.MakeSampleID(sourceID, c.RelativePath)
		if err != nil {
			e.fail(sourceID, fmt.Errorf("building sample id: %w", err))
			return 0, err
		}
		metadata = append(metadata, model.SampleMetadata{
			SampleID:    id,
			ContentHash: c.ContentHash,
			Size:        c.FileSize,
			MtimeNS:     c.ModifiedNS,
		})
		ids = append(ids, id)
		observed[id] = c.ContentHash
	}

	states, err := e.store.SampleAnalysisStates(ids)
	if err != nil {
		e.fail(sourceID, err)
		return 0, err
	}

	var stale []jobstore.JobRef
	for _, id := range ids {
		if e.isStale(states[id], observed[id]) {
			stale = append(stale, jobstore.JobRef{SampleID: id, ContentHash: observed[id]})
		}
	}

	batch := jobstore.EnqueueBatch{
		Samples:   metadata,
		CreatedAt: time.Now(),
	}
	if len(stale) > 0 {
		batch.Invalidate = staleIDs(stale)
		batch.Jobs = jobsForAllTypes(stale)
	}
	return e.apply(sourceID, batch)
}

// Backfill runs a whole-source pass. Force mode schedules every sample;
// missing-only mode schedules only samples lacking a required artifact.
// Either way, samples whose last job failed are retried, deduplicated
// against the rest of the batch.
func (e *Engine) Backfill(sourceID string, mode BackfillMode) (int, error) {
	unlock := e.lockSource(sourceID)
	defer unlock()

	debug.Log("enqueue: backfill source=%s mode=%s", sourceID, mode)

	jobs := make(map[model.JobType][]jobstore.JobRef)
	var invalidate []model.SampleID

	switch mode {
	case BackfillForce:
		samples, err := e.store.SamplesBySource(sourceID)
		if err != nil {
			e.fail(sourceID, err)
			return 0, err
		}
		refs := make([]jobstore.JobRef, 0, len(samples))
		for _, s := range samples {
			refs = append(refs, jobstore.JobRef{SampleID: s.SampleID, ContentHash: s.ContentHash})
		}
		for _, jt := range model.RequiredJobTypes() {
			jobs[jt] = append([]jobstore.JobRef(nil), refs...)
		}
		invalidate = staleIDs(refs)
	case BackfillMissingOnly:
		missing, err := e.store.SamplesMissingArtifacts(sourceID)
		if err != nil {
			e.fail(sourceID, err)
			return 0, err
		}
		for _, m := range missing {
			jobs[m.JobType] = append(jobs[m.JobType], jobstore.JobRef{
				SampleID:    m.SampleID,
				ContentHash: m.ContentHash,
			})
		}
	default:
		err := fmt.Errorf("unknown backfill mode %d", int(mode))
		e.fail(sourceID, err)
		return 0, err
	}

	// Merge failed-job retries, at most one per (sample, type) per pass.
	for _, jt := range model.RequiredJobTypes() {
		failed, err := e.store.FetchFailedBackfillJobs(sourceID, jt)
		if err != nil {
			e.fail(sourceID, err)
			return 0, err
		}
		jobs[jt] = mergeRefs(jobs[jt], failed)
	}

	batch := jobstore.EnqueueBatch{
		Invalidate: invalidate,
		Jobs:       jobs,
		CreatedAt:  time.Now(),
	}
	return e.apply(sourceID, batch)
}

// isStale reports whether observed content requires (re)analysis. A hash
// mismatch wins over a matching version: a file edited in place is
// reprocessed even when the algorithm has not changed.
func (e *Engine) isStale(stored model.AnalysisState, observedHash string) bool {
	if stored.SampleID == "" {
		return true
	}
	if stored.ContentHash != observedHash {
		return true
	}
	return stored.AnalysisVersion != e.analysisVersion
}

func (e *Engine) apply(sourceID string, batch jobstore.EnqueueBatch) (int, error) {
	inserted, err := e.store.ApplyEnqueueBatch(batch)
	if err != nil {
		e.fail(sourceID, err)
		return 0, fmt.Errorf("applying enqueue batch for %s: %w", sourceID, err)
	}
	if inserted > 0 {
		select {
		case e.wakeup <- struct{}{}:
		default:
		}
	}

	progress, err := e.store.CurrentProgress()
	if err != nil {
		debug.Log("enqueue: progress query failed: %v", err)
	}
	e.publish(EnqueueFinished{SourceID: sourceID, Inserted: inserted, Progress: progress})
	debug.Log("enqueue: source=%s inserted=%d pending=%d", sourceID, inserted, progress.Pending)
	return inserted, nil
}

func (e *Engine) fail(sourceID string, err error) {
	e.publish(EnqueueFailed{SourceID: sourceID, Err: err})
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// lockSource serializes passes per source. Distinct sources proceed in
// parallel.
func (e *Engine) lockSource(sourceID string) func() {
	e.mu.Lock()
	l, ok := e.bySource[sourceID]
	if !ok {
		l = &sync.Mutex{}
		e.bySource[sourceID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func staleIDs(refs []jobstore.JobRef) []model.SampleID {
	ids := make([]model.SampleID, len(refs))
	for i, r := range refs {
		ids[i] = r.SampleID
	}
	return ids
}

func jobsForAllTypes(refs []jobstore.JobRef) map[model.JobType][]jobstore.JobRef {
	jobs := make(map[model.JobType][]jobstore.JobRef, len(model.RequiredJobTypes()))
	for _, jt := range model.RequiredJobTypes() {
		jobs[jt] = append([]jobstore.JobRef(nil), refs...)
	}
	return jobs
}

func mergeRefs(base, extra []jobstore.JobRef) []jobstore.JobRef {
	seen := make(map[model.SampleID]struct{}, len(base))
	for _, r := range base {
		seen[r.SampleID] = struct{}{}
	}
	for _, r := range extra {
		if _, dup := seen[r.SampleID]; dup {
			continue
		}
		seen[r.SampleID] = struct{}{}
		base = append(base, r)
	}
	return base
}
