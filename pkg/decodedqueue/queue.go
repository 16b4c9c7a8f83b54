// Package decodedqueue provides the bounded staging area between the
// decode and analyze stages of the pipeline. The bound keeps a fast decode
// stage from racing arbitrarily far ahead of a slower analysis stage and
// exhausting memory; the pending set keeps a sample from being queued
// twice while work for it is outstanding.
package decodedqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/pkg/analyzer"
	"github.com/PORTALSURFER/sempal-sub005/pkg/metrics"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// pollInterval is how often blocked Push/Pop calls re-check the shutdown
// flag while waiting for space or items.
const pollInterval = 25 * time.Millisecond

// Item is one decoded, not-yet-analyzed unit of work.
type Item struct {
	Job   model.Job
	Audio *analyzer.AnalysisAudio
}

// Queue is a bounded FIFO of decoded work. All methods are safe for
// concurrent use. Items flow through a channel for FIFO order and
// backpressure; the dedup state lives behind its own mutex so critical
// sections never run user code.
type Queue struct {
	items chan Item

	mu       sync.Mutex
	pending  map[model.SampleID]struct{} // samples resident in the queue
	inflight map[int64]struct{}          // job ids held from claim through analysis
}

// New creates a queue holding at most maxSize items. maxSize below 1 is
// treated as 1.
func New(maxSize int) *Queue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Queue{
		items:    make(chan Item, maxSize),
		pending:  make(map[model.SampleID]struct{}),
		inflight: make(map[int64]struct{}),
	}
}

// MaxSize returns the queue capacity.
func (q *Queue) MaxSize() int {
	return cap(q.items)
}

// Len returns the number of items currently staged.
func (q *Queue) Len() int {
	return len(q.items)
}

// Push stages a decoded item, blocking while the queue is at capacity.
// It returns false without staging when the item's sample is already
// pending in the queue (analyze jobs only) or when shutdown is signalled
// before space frees.
func (q *Queue) Push(item Item, shutdown *atomic.Bool) bool {
	dedup := item.Job.JobType == model.JobTypeAnalyze
	if dedup {
		q.mu.Lock()
		if _, dup := q.pending[item.Job.SampleID]; dup {
			q.mu.Unlock()
			metrics.QueueDedup.Add(1)
			return false
		}
		q.pending[item.Job.SampleID] = struct{}{}
		q.mu.Unlock()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case q.items <- item:
			return true
		case <-ticker.C:
			if shutdown != nil && shutdown.Load() {
				if dedup {
					q.mu.Lock()
					delete(q.pending, item.Job.SampleID)
					q.mu.Unlock()
				}
				return false
			}
		}
	}
}

// Pop removes the oldest item, blocking until one is available or
// shutdown is signalled. Returns ok=false on shutdown.
func (q *Queue) Pop(shutdown *atomic.Bool) (Item, bool) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case item := <-q.items:
			q.clearPending(item)
			return item, true
		case <-ticker.C:
			if shutdown != nil && shutdown.Load() {
				return Item{}, false
			}
		}
	}
}

// PopBatch drains up to max ready items in one wake to amortize per-item
// overhead, blocking until at least one item is available or shutdown is
// signalled. It also reports how long the caller waited.
func (q *Queue) PopBatch(shutdown *atomic.Bool, max int) ([]Item, time.Duration) {
	if max < 1 {
		max = 1
	}
	start := time.Now()

	first, ok := q.Pop(shutdown)
	if !ok {
		return nil, time.Since(start)
	}
	batch := []Item{first}
	for len(batch) < max {
		select {
		case item := <-q.items:
			q.clearPending(item)
			batch = append(batch, item)
		default:
			return batch, time.Since(start)
		}
	}
	return batch, time.Since(start)
}

// Drain removes all staged items without blocking and clears their
// pending and inflight markers. Used at shutdown so a later start in the
// same process sees a clean queue.
func (q *Queue) Drain() []Item {
	var items []Item
	for {
		select {
		case item := <-q.items:
			q.clearPending(item)
			q.ClearInflight(item.Job.ID)
			items = append(items, item)
		default:
			return items
		}
	}
}

func (q *Queue) clearPending(item Item) {
	if item.Job.JobType != model.JobTypeAnalyze {
		return
	}
	q.mu.Lock()
	delete(q.pending, item.Job.SampleID)
	q.mu.Unlock()
}

// TryMarkInflight marks a job as in flight ahead of its decode. It
// returns false when the job is already inflight, preventing two callers
// from concurrently working the same job.
func (q *Queue) TryMarkInflight(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[jobID]; busy {
		return false
	}
	q.inflight[jobID] = struct{}{}
	return true
}

// ClearInflight removes the inflight marker for a job.
func (q *Queue) ClearInflight(jobID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
}
