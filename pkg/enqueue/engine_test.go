package enqueue

import (
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
	"github.com/PORTALSURFER/sempal-sub005/pkg/version"
)

func openTestEngine(t *testing.T) (*Engine, *jobstore.Store) {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func changed(rel, hash string) model.ChangedSample {
	return model.ChangedSample{
		RelativePath: rel,
		ContentHash:  hash,
		FileSize:     128,
		ModifiedNS:   1_700_000_000_000_000_000,
	}
}

func mustID(t *testing.T, sourceID, rel string) model.SampleID {
	t.Helper()
	id, err := model.MakeSampleID(sourceID, rel)
	if err != nil {
		t.Fatalf("making sample id: %v", err)
	}
	return id
}

func TestEnqueueChanged_NewSamples(t *testing.T) {
	eng, store := openTestEngine(t)

	inserted, err := eng.EnqueueChanged("packs", []model.ChangedSample{
		changed("kick.wav", "h1"),
		changed("snare.wav", "h2"),
	})
	if err != nil {
		t.Fatalf("enqueue changed: %v", err)
	}
	want := 2 * len(model.RequiredJobTypes())
	if inserted != want {
		t.Errorf("expected %d inserted jobs, got %d", want, inserted)
	}

	select {
	case <-eng.Wakeup():
	default:
		t.Error("expected wakeup signal after insert")
	}

	progress, err := store.CurrentProgress()
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Pending != want {
		t.Errorf("expected %d pending, got %d", want, progress.Pending)
	}
	if progress.SamplesTotal != 2 {
		t.Errorf("expected 2 samples staged, got %d", progress.SamplesTotal)
	}
}

func TestEnqueueChanged_FreshSampleSkipped(t *testing.T) {
	eng, store := openTestEngine(t)
	id := mustID(t, "packs", "kick.wav")

	if err := store.UpsertSamples([]model.SampleMetadata{{SampleID: id, ContentHash: "h1"}}); err != nil {
		t.Fatalf("seeding sample: %v", err)
	}
	if err := store.SetAnalysisState(model.AnalysisState{
		SampleID:        id,
		AnalysisVersion: version.AnalysisVersion,
		ContentHash:     "h1",
	}); err != nil {
		t.Fatalf("seeding analysis state: %v", err)
	}

	inserted, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h1")})
	if err != nil {
		t.Fatalf("enqueue changed: %v", err)
	}
	if inserted != 0 {
		t.Errorf("fresh sample should not be scheduled, got %d jobs", inserted)
	}
	select {
	case <-eng.Wakeup():
		t.Error("no wakeup expected when nothing was inserted")
	default:
	}
}

func TestEnqueueChanged_HashMismatchBeatsMatchingVersion(t *testing.T) {
	eng, store := openTestEngine(t)
	id := mustID(t, "packs", "kick.wav")

	if err := store.UpsertSamples([]model.SampleMetadata{{SampleID: id, ContentHash: "h1"}}); err != nil {
		t.Fatalf("seeding sample: %v", err)
	}
	if err := store.SetAnalysisState(model.AnalysisState{
		SampleID:        id,
		AnalysisVersion: version.AnalysisVersion,
		ContentHash:     "h1",
	}); err != nil {
		t.Fatalf("seeding analysis state: %v", err)
	}

	// File edited in place: new hash, same algorithm version.
	inserted, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h2")})
	if err != nil {
		t.Fatalf("enqueue changed: %v", err)
	}
	if inserted != len(model.RequiredJobTypes()) {
		t.Errorf("edited sample must be rescheduled, got %d jobs", inserted)
	}

	// Invalidation cleared the stored state, so it now reads as never
	// analyzed.
	states, err := store.SampleAnalysisStates([]model.SampleID{id})
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if _, ok := states[id]; ok {
		t.Error("stale sample's analysis state should be invalidated")
	}
}

func TestEnqueueChanged_VersionMismatch(t *testing.T) {
	eng, store := openTestEngine(t)
	id := mustID(t, "packs", "kick.wav")

	if err := store.UpsertSamples([]model.SampleMetadata{{SampleID: id, ContentHash: "h1"}}); err != nil {
		t.Fatalf("seeding sample: %v", err)
	}
	if err := store.SetAnalysisState(model.AnalysisState{
		SampleID:        id,
		AnalysisVersion: "a0",
		ContentHash:     "h1",
	}); err != nil {
		t.Fatalf("seeding analysis state: %v", err)
	}

	inserted, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h1")})
	if err != nil {
		t.Fatalf("enqueue changed: %v", err)
	}
	if inserted != len(model.RequiredJobTypes()) {
		t.Errorf("outdated analysis version must reschedule, got %d jobs", inserted)
	}
}

func TestEnqueueChanged_ActiveJobNotDuplicated(t *testing.T) {
	eng, _ := openTestEngine(t)

	if _, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h1")}); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	inserted, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h1")})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if inserted != 0 {
		t.Errorf("pending jobs must not be duplicated, got %d", inserted)
	}
}

func TestEnqueueChanged_RepinsPendingToNewHash(t *testing.T) {
	eng, store := openTestEngine(t)

	if _, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h1")}); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// The file changes again before any worker claims the jobs. The
	// pending rows must follow the new hash or the eventual run would
	// record h1 against h2 bytes and leave the sample stale forever.
	inserted, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h2")})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if want := len(model.RequiredJobTypes()); inserted != want {
		t.Errorf("expected %d repinned jobs, got %d", want, inserted)
	}

	for i := 0; i < len(model.RequiredJobTypes()); i++ {
		job, err := store.ClaimNextJob("run-1", nil)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job.ContentHash != "h2" {
			t.Errorf("claimed %s job carries hash %q, want %q", job.JobType, job.ContentHash, "h2")
		}
	}
}

func TestBackfillForce(t *testing.T) {
	eng, store := openTestEngine(t)

	seed := []model.SampleMetadata{
		{SampleID: mustID(t, "packs", "a.wav"), ContentHash: "h1"},
		{SampleID: mustID(t, "packs", "b.wav"), ContentHash: "h2"},
		{SampleID: mustID(t, "packs", "c.wav"), ContentHash: "h3"},
	}
	if err := store.UpsertSamples(seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	inserted, err := eng.Backfill("", BackfillForce)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	want := 3 * len(model.RequiredJobTypes())
	if inserted != want {
		t.Errorf("expected %d jobs, got %d", want, inserted)
	}

	// A second force pass is a no-op while the jobs are still active.
	inserted, err = eng.Backfill("", BackfillForce)
	if err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	if inserted != 0 {
		t.Errorf("active jobs must not be re-enqueued, got %d", inserted)
	}
}

func TestBackfillMissingOnly(t *testing.T) {
	eng, store := openTestEngine(t)

	complete := mustID(t, "packs", "done.wav")
	partial := mustID(t, "packs", "partial.wav")
	if err := store.UpsertSamples([]model.SampleMetadata{
		{SampleID: complete, ContentHash: "h1"},
		{SampleID: partial, ContentHash: "h2"},
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := store.PutFeatures(complete, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("features: %v", err)
	}
	if err := store.PutEmbedding(complete, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if err := store.PutFeatures(partial, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("features: %v", err)
	}

	// partial lacks only its embedding.
	inserted, err := eng.Backfill("packs", BackfillMissingOnly)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if inserted != 1 {
		t.Errorf("expected 1 job for the missing embedding, got %d", inserted)
	}
}

func TestBackfill_RetriesFailedOnce(t *testing.T) {
	eng, store := openTestEngine(t)
	id := mustID(t, "packs", "broken.wav")

	if err := store.UpsertSamples([]model.SampleMetadata{{SampleID: id, ContentHash: "h1"}}); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if _, err := store.EnqueueJobs([]jobstore.JobRef{{SampleID: id, ContentHash: "h1"}}, model.JobTypeAnalyze, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.ClaimNextJob("run-1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(job.ID, "decode error"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	// The sample also has artifacts missing, which would schedule it on
	// its own; the failed retry must not double it.
	inserted, err := eng.Backfill("packs", BackfillMissingOnly)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	want := len(model.RequiredJobTypes())
	if inserted != want {
		t.Errorf("failed sample retried more than once per pass: got %d, want %d", inserted, want)
	}
}

func TestEngine_EventsPublished(t *testing.T) {
	eng, _ := openTestEngine(t)

	if _, err := eng.EnqueueChanged("packs", []model.ChangedSample{changed("kick.wav", "h1")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case ev := <-eng.Events():
		fin, ok := ev.(EnqueueFinished)
		if !ok {
			t.Fatalf("expected EnqueueFinished, got %T", ev)
		}
		if fin.SourceID != "packs" {
			t.Errorf("wrong source in event: %q", fin.SourceID)
		}
		if fin.Inserted == 0 {
			t.Error("event should carry the insert count")
		}
	default:
		t.Fatal("no event published")
	}
}

// Staleness truth table: any of (no stored row, hash mismatch, version
// mismatch) forces rework; only the fully matching case is fresh.
func TestStaleness_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		eng := &Engine{analysisVersion: version.AnalysisVersion}

		hasRow := rapid.Bool().Draw(rt, "hasRow")
		hashMatches := rapid.Bool().Draw(rt, "hashMatches")
		versionMatches := rapid.Bool().Draw(rt, "versionMatches")

		observedHash := "h-observed"
		var stored model.AnalysisState
		if hasRow {
			stored.SampleID = "src\x1fsample.wav"
			stored.ContentHash = "h-other"
			if hashMatches {
				stored.ContentHash = observedHash
			}
			stored.AnalysisVersion = "a0"
			if versionMatches {
				stored.AnalysisVersion = version.AnalysisVersion
			}
		}

		want := !hasRow || !hashMatches || !versionMatches
		if got := eng.isStale(stored, observedHash); got != want {
			rt.Fatalf("isStale(hasRow=%v hash=%v version=%v) = %v, want %v",
				hasRow, hashMatches, versionMatches, got, want)
		}
	})
}
