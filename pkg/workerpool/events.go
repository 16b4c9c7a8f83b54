package workerpool

import "github.com/PORTALSURFER/sempal-sub005/pkg/model"

// Event is published on the pool's event channel. Exactly one of the
// concrete types below.
type Event interface{ poolEvent() }

// ProgressUpdated carries a progress snapshot that differs from the
// previously published one. Unchanged snapshots are never republished.
type ProgressUpdated struct {
	Progress model.Progress
}

// JobDone reports a job that finished successfully.
type JobDone struct {
	Job model.Job
}

// JobFailed reports a job marked failed and the recorded reason.
type JobFailed struct {
	Job    model.Job
	Reason string
}

func (ProgressUpdated) poolEvent() {}
func (JobDone) poolEvent()         {}
func (JobFailed) poolEvent()       {}
