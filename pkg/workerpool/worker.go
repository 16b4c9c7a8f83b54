package workerpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/analyzer"
	"github.com/PORTALSURFER/sempal-sub005/pkg/decodedqueue"
	"github.com/PORTALSURFER/sempal-sub005/pkg/metrics"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
	"github.com/PORTALSURFER/sempal-sub005/pkg/version"
)

// claimLoop is the decode stage: claim the oldest pending job, decode its
// audio, and push the result into the decoded queue. A claim miss backs
// off exponentially; the wakeup channel cuts the backoff short.
func (p *Pool) claimLoop(workerID int, stopCh <-chan struct{}) {
	backoff := idleBackoffMin
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if p.paused.Load() {
			if !p.idleWait(stopCh, idleBackoffMax) {
				return
			}
			continue
		}

		job, err := p.store.ClaimNextJob(p.runToken, p.allowedSources)
		if errors.Is(err, jobstore.ErrNoPendingJobs) {
			if !p.idleWait(stopCh, backoff) {
				return
			}
			backoff *= 2
			if backoff > idleBackoffMax {
				backoff = idleBackoffMax
			}
			continue
		}
		if err != nil {
			p.logEvent(LogLevelError, "claim_failed", map[string]any{
				"worker": workerID,
				"error":  err.Error(),
			})
			if !p.idleWait(stopCh, idleBackoffMax) {
				return
			}
			continue
		}

		backoff = idleBackoffMin
		p.decodeStage(workerID, *job)
	}
}

// idleWait sleeps up to d, returning early on wakeup. Returns false when
// the pool is stopping.
func (p *Pool) idleWait(stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-p.wakeupCh():
		return true
	case <-timer.C:
		return true
	}
}

// wakeupCh returns the configured wakeup channel, or a nil channel that
// never fires.
func (p *Pool) wakeupCh() <-chan struct{} {
	return p.wakeup
}

// decodeStage runs one claimed job up to the decoded queue boundary.
// Failures mark the job failed and free the worker; they never abort the
// pool.
func (p *Pool) decodeStage(workerID int, job model.Job) {
	p.trackJob(job.ID)

	switch job.JobType {
	case model.JobTypeAnalyze, model.JobTypeEmbed:
	default:
		// Quarantine rows written by a newer schema rather than
		// crash-looping on them.
		p.failJob(job, fmt.Sprintf("unknown job type %q", job.JobType))
		return
	}

	// The marker rides from here until the analysis stage finishes with
	// the item. Claim exclusivity makes a duplicate unreachable in
	// steady state; it can appear briefly when a superseded job id is
	// re-claimed before the previous run's marker is cleared, in which
	// case the claim is handed back rather than dropped.
	if !p.queue.TryMarkInflight(job.ID) {
		p.releaseClaim(job)
		return
	}
	fail := func(reason string) {
		p.queue.ClearInflight(job.ID)
		p.failJob(job, reason)
	}

	path, err := p.resolvePath(job)
	if err != nil {
		fail(fmt.Sprintf("resolving path: %v", err))
		return
	}

	if p.maxAnalysisDuration > 0 {
		if prober, ok := p.decoder.(analyzer.DurationProber); ok {
			if seconds, err := prober.ProbeDuration(path); err == nil {
				if seconds > p.maxAnalysisDuration.Seconds() {
					fail(fmt.Sprintf("duration %.1fs exceeds limit %.1fs",
						seconds, p.maxAnalysisDuration.Seconds()))
					return
				}
			}
		}
	}

	stopDecode := metrics.Timer(metrics.Decode)
	audio, err := p.decoder.DecodeForAnalysis(path)
	stopDecode()
	if err != nil {
		fail(fmt.Sprintf("decode: %v", err))
		return
	}

	if !p.queue.Push(decodedqueue.Item{Job: job, Audio: audio}, &p.shuttingDown) {
		analyzer.PutAudio(audio)
		if p.shuttingDown.Load() {
			p.queue.ClearInflight(job.ID)
			p.releaseClaim(job)
			return
		}
		// A decoded item for this sample is already staged. The active
		// job guard makes this unreachable for a healthy store; fail
		// loudly instead of dropping the job silently.
		fail("duplicate decoded item for sample")
	}
}

// releaseClaim hands a claimed job back to the pending pool without a
// terminal transition. A resize respawn has no blanket reset, so an
// abandoned claim must not stay running.
func (p *Pool) releaseClaim(job model.Job) {
	if err := p.store.ResetJobToPending(job.ID); err != nil {
		p.logEvent(LogLevelError, "reset_job_failed", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	p.untrackJob(job.ID)
}

// analysisLoop is the analysis stage: drain the decoded queue, extract,
// persist, and mark the job terminal.
func (p *Pool) analysisLoop(workerID int, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		item, ok := p.queue.Pop(&p.shuttingDown)
		if !ok {
			return
		}
		p.analyze(workerID, item)
		p.queue.ClearInflight(item.Job.ID)
	}
}

func (p *Pool) analyze(workerID int, item decodedqueue.Item) {
	job := item.Job
	audio := item.Audio
	defer analyzer.PutAudio(audio)

	switch job.JobType {
	case model.JobTypeAnalyze:
		blob, err := p.features.ExtractFeatures(audio)
		if err != nil {
			p.failJob(job, fmt.Sprintf("feature extraction: %v", err))
			return
		}
		if err := p.store.PutFeatures(job.SampleID, blob); err != nil {
			p.failJob(job, fmt.Sprintf("persisting features: %v", err))
			return
		}
		if err := p.store.SetAnalysisState(model.AnalysisState{
			SampleID:        job.SampleID,
			AnalysisVersion: version.AnalysisVersion,
			ContentHash:     job.ContentHash,
			DurationSeconds: audio.DurationSeconds(),
			SampleRateUsed:  audio.SampleRate,
		}); err != nil {
			p.failJob(job, fmt.Sprintf("persisting analysis state: %v", err))
			return
		}

	case model.JobTypeEmbed:
		blob, err := p.embedder.ExtractEmbedding(audio)
		if err != nil {
			p.failJob(job, fmt.Sprintf("embedding extraction: %v", err))
			return
		}
		if err := p.store.PutEmbedding(job.SampleID, blob); err != nil {
			p.failJob(job, fmt.Sprintf("persisting embedding: %v", err))
			return
		}

	default:
		p.failJob(job, fmt.Sprintf("unknown job type %q", job.JobType))
		return
	}

	p.finishJob(workerID, job)
}

func (p *Pool) finishJob(workerID int, job model.Job) {
	if err := p.store.MarkDone(job.ID); err != nil {
		p.logEvent(LogLevelError, "mark_done_failed", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	p.untrackJob(job.ID)
	p.publish(JobDone{Job: job})
	p.logEvent(LogLevelDebug, "job_done", map[string]any{
		"worker":   workerID,
		"job_id":   job.ID,
		"job_type": string(job.JobType),
	})
}

func (p *Pool) failJob(job model.Job, reason string) {
	if err := p.store.MarkFailed(job.ID, reason); err != nil {
		p.logEvent(LogLevelError, "mark_failed_failed", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	p.untrackJob(job.ID)
	p.publish(JobFailed{Job: job, Reason: reason})
	p.logEvent(LogLevelInfo, "job_failed", map[string]any{
		"job_id":   job.ID,
		"job_type": string(job.JobType),
		"reason":   reason,
	})
}
