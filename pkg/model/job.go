package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// IsTerminal reports whether the status is done or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// IsActive reports whether the status is pending or running. At most one
// active job may exist per (sample_id, job_type) pair.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// JobType identifies the kind of derived data a job produces. The
// persisted form is a plain string for schema stability; unknown strings
// are rejected on load rather than silently mis-processed.
type JobType string

const (
	// JobTypeAnalyze decodes a sample and extracts acoustic features plus
	// duration. It is the primary job type and the one subject to
	// decoded-queue dedup.
	JobTypeAnalyze JobType = "analyze"
	// JobTypeEmbed runs embedding inference over decoded audio.
	JobTypeEmbed JobType = "embed"
)

// ParseJobType validates a persisted job type string.
func ParseJobType(raw string) (JobType, error) {
	switch JobType(raw) {
	case JobTypeAnalyze, JobTypeEmbed:
		return JobType(raw), nil
	default:
		return "", fmt.Errorf("unknown job type %q", raw)
	}
}

// RequiredJobTypes lists every job type a sample needs before it counts as
// completed in progress reporting.
func RequiredJobTypes() []JobType {
	return []JobType{JobTypeAnalyze, JobTypeEmbed}
}

// Job is one row of the durable analysis_jobs table. ContentHash pins the
// job to the file content it was created to process; if the file changes
// again before the job runs, the job is superseded rather than executed
// against new content.
type Job struct {
	ID              int64
	SampleID        SampleID
	JobType         JobType
	ContentHash     string
	Status          JobStatus
	SourceID        string
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
	ClaimedBy       string // run token of the claiming process, "" when never claimed
	ErrorMessage    string
}

// Progress is the aggregate state of the job table. SamplesCompleted
// counts samples with zero outstanding active jobs of any required type,
// not raw job rows.
type Progress struct {
	Pending          int
	Running          int
	Failed           int
	SamplesCompleted int
	SamplesTotal     int
}

// Idle reports whether no work is pending or in flight.
func (p Progress) Idle() bool {
	return p.Pending == 0 && p.Running == 0
}

// RunningJobInfo describes one currently-running job for display purposes
// only; it does not affect scheduling.
type RunningJobInfo struct {
	JobID    int64
	SampleID SampleID
	JobType  JobType
	Elapsed  time.Duration
	Stale    bool
}
