package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/config"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

func newTestScanner(t *testing.T) (*Scanner, *jobstore.Store, string) {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	root := t.TempDir()
	return New(store, 2), store, root
}

func writeFile(t *testing.T, root, rel string, content []byte) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestScan_ReportsNewAudioFiles(t *testing.T) {
	sc, _, root := newTestScanner(t)
	writeFile(t, root, "kicks/kick01.wav", []byte("kick"))
	writeFile(t, root, "snare.WAV", []byte("snare"))
	writeFile(t, root, "readme.txt", []byte("not audio"))

	changed, err := sc.Scan(context.Background(), config.Source{ID: "packs", Path: root})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed samples, got %d", len(changed))
	}
	// Sorted by relative path, forward slashes on every platform.
	if changed[0].RelativePath != "kicks/kick01.wav" {
		t.Errorf("unexpected first path %q", changed[0].RelativePath)
	}
	if changed[1].RelativePath != "snare.WAV" {
		t.Errorf("unexpected second path %q", changed[1].RelativePath)
	}
	for _, c := range changed {
		if c.ContentHash == "" {
			t.Errorf("%s: missing content hash", c.RelativePath)
		}
		if c.FileSize == 0 || c.ModifiedNS == 0 {
			t.Errorf("%s: missing file metadata", c.RelativePath)
		}
	}
}

func TestScan_FastPathSkipsUnchanged(t *testing.T) {
	sc, store, root := newTestScanner(t)
	writeFile(t, root, "kick.wav", []byte("kick"))

	src := config.Source{ID: "packs", Path: root}
	first, err := sc.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 changed sample, got %d", len(first))
	}

	// Persist what the scan saw, as the enqueue pass would.
	id, _ := model.MakeSampleID("packs", "kick.wav")
	err = store.UpsertSamples([]model.SampleMetadata{{
		SampleID:    id,
		ContentHash: first[0].ContentHash,
		Size:        first[0].FileSize,
		MtimeNS:     first[0].ModifiedNS,
	}})
	if err != nil {
		t.Fatalf("upserting: %v", err)
	}

	second, err := sc.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("unchanged file reported again: %+v", second)
	}
}

func TestScan_DetectsEditedFile(t *testing.T) {
	sc, store, root := newTestScanner(t)
	path := writeFile(t, root, "kick.wav", []byte("kick"))

	src := config.Source{ID: "packs", Path: root}
	first, err := sc.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	id, _ := model.MakeSampleID("packs", "kick.wav")
	if err := store.UpsertSamples([]model.SampleMetadata{{
		SampleID:    id,
		ContentHash: first[0].ContentHash,
		Size:        first[0].FileSize,
		MtimeNS:     first[0].ModifiedNS,
	}}); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	if err := os.WriteFile(path, []byte("kick v2 with more bytes"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	// Force an mtime the fast path cannot mistake for the original.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	second, err := sc.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected edited file to be reported, got %d results", len(second))
	}
	if second[0].ContentHash == first[0].ContentHash {
		t.Error("content hash did not change for edited file")
	}
}

func TestScan_SkipsHiddenDirectories(t *testing.T) {
	sc, _, root := newTestScanner(t)
	writeFile(t, root, ".git/objects/blob.wav", []byte("not a sample"))
	writeFile(t, root, "kick.wav", []byte("kick"))

	changed, err := sc.Scan(context.Background(), config.Source{ID: "packs", Path: root})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(changed) != 1 || changed[0].RelativePath != "kick.wav" {
		t.Errorf("hidden directory contents should be ignored, got %+v", changed)
	}
}

func TestScan_MissingRoot(t *testing.T) {
	sc, _, _ := newTestScanner(t)
	_, err := sc.Scan(context.Background(), config.Source{ID: "gone", Path: "/nonexistent/sempal-test"})
	if err == nil {
		t.Fatal("expected error for missing source root")
	}
}

func TestScan_CancelledContext(t *testing.T) {
	sc, _, root := newTestScanner(t)
	writeFile(t, root, "kick.wav", []byte("kick"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sc.Scan(ctx, config.Source{ID: "packs", Path: root}); err == nil {
		t.Fatal("expected context error")
	}
}
