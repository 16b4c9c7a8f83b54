package testutil

import (
	"testing"

	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// AssertJobCount verifies the expected number of jobs.
func AssertJobCount(t *testing.T, jobs []model.Job, expected int) {
	t.Helper()
	if len(jobs) != expected {
		t.Errorf("expected %d jobs, got %d", expected, len(jobs))
	}
}

// AssertAtMostOneActive verifies the at-most-one-active invariant: no two
// pending-or-running jobs share a (sample, job type) pair.
func AssertAtMostOneActive(t *testing.T, jobs []model.Job) {
	t.Helper()
	type pair struct {
		id model.SampleID
		jt model.JobType
	}
	active := make(map[pair]int64)
	for _, job := range jobs {
		if !job.Status.IsActive() {
			continue
		}
		key := pair{job.SampleID, job.JobType}
		if prev, dup := active[key]; dup {
			t.Errorf("two active jobs for (%s, %s): ids %d and %d",
				job.SampleID, job.JobType, prev, job.ID)
		}
		active[key] = job.ID
	}
}

// AssertProgressConsistent verifies the counters' internal arithmetic:
// completed never exceeds total, and completed plus failure-owning samples
// never exceeds total.
func AssertProgressConsistent(t *testing.T, p model.Progress) {
	t.Helper()
	if p.SamplesCompleted > p.SamplesTotal {
		t.Errorf("completed %d exceeds total %d", p.SamplesCompleted, p.SamplesTotal)
	}
	if p.Pending < 0 || p.Running < 0 || p.Failed < 0 {
		t.Errorf("negative counters in progress: %+v", p)
	}
}

// AssertSampleIDsWellFormed verifies every job's sample id splits into a
// source and relative path.
func AssertSampleIDsWellFormed(t *testing.T, jobs []model.Job) {
	t.Helper()
	for _, job := range jobs {
		if _, _, ok := job.SampleID.Split(); !ok {
			t.Errorf("job %d has malformed sample id %q", job.ID, job.SampleID)
		}
	}
}
