package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.DecodedQueueSize != 16 {
		t.Errorf("expected decoded queue size 16, got %d", cfg.Pipeline.DecodedQueueSize)
	}
	if cfg.Pipeline.HeartbeatIntervalS != 5 {
		t.Errorf("expected heartbeat interval 5s, got %d", cfg.Pipeline.HeartbeatIntervalS)
	}
	if cfg.Pipeline.ProgressPollMS != 200 {
		t.Errorf("expected progress poll 200ms, got %d", cfg.Pipeline.ProgressPollMS)
	}
	if cfg.Scan.HashWorkers != 4 {
		t.Errorf("expected 4 hash workers, got %d", cfg.Scan.HashWorkers)
	}
}

func TestDefaultWorkers_Floor(t *testing.T) {
	if n := DefaultWorkers(); n < 1 {
		t.Errorf("expected at least 1 worker, got %d", n)
	}
}

func TestLoadFrom_NonExistent(t *testing.T) {
	cfg, err := LoadFrom("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Pipeline.DecodedQueueSize != 16 {
		t.Errorf("expected default config, got queue size %d", cfg.Pipeline.DecodedQueueSize)
	}
}

func TestLoadFrom_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
sources:
  - id: drums
    path: ~/samples/drums
  - id: field
    path: /mnt/recordings/field

db_dir: /var/lib/sempal

pipeline:
  workers: 3
  decoded_queue_size: 8
  max_analysis_duration_s: 30
  allowed_sources:
    - drums

scan:
  hash_workers: 2
  watch_sources: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	if cfg.Sources[0].ID != "drums" {
		t.Errorf("expected source id 'drums', got %q", cfg.Sources[0].ID)
	}
	// Path should have ~ expanded
	home, _ := os.UserHomeDir()
	expectedPath := filepath.Join(home, "samples/drums")
	if cfg.Sources[0].Path != expectedPath {
		t.Errorf("expected expanded path %q, got %q", expectedPath, cfg.Sources[0].Path)
	}
	if cfg.Sources[1].Path != "/mnt/recordings/field" {
		t.Errorf("expected absolute path preserved, got %q", cfg.Sources[1].Path)
	}

	if cfg.Pipeline.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.DecodedQueueSize != 8 {
		t.Errorf("expected queue size 8, got %d", cfg.Pipeline.DecodedQueueSize)
	}
	if cfg.Pipeline.MaxAnalysisDurationS != 30 {
		t.Errorf("expected max duration 30s, got %d", cfg.Pipeline.MaxAnalysisDurationS)
	}
	if len(cfg.Pipeline.AllowedSources) != 1 || cfg.Pipeline.AllowedSources[0] != "drums" {
		t.Errorf("expected allowed sources [drums], got %v", cfg.Pipeline.AllowedSources)
	}
	if cfg.DatabaseDir() != "/var/lib/sempal" {
		t.Errorf("expected db dir override, got %q", cfg.DatabaseDir())
	}
	if !cfg.Scan.WatchSources {
		t.Error("expected watch_sources true")
	}
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := DefaultConfig()
	original.Sources = []Source{{ID: "kits", Path: "/tmp/kits"}}
	original.Pipeline.Workers = 2
	original.Pipeline.StaleRunningThresholdS = 120

	if err := SaveTo(original, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if len(loaded.Sources) != 1 || loaded.Sources[0].ID != "kits" {
		t.Errorf("sources did not round-trip: %v", loaded.Sources)
	}
	if loaded.Pipeline.Workers != 2 {
		t.Errorf("workers did not round-trip: %d", loaded.Pipeline.Workers)
	}
	if loaded.Pipeline.StaleRunningThreshold() != 120*time.Second {
		t.Errorf("stale threshold did not round-trip: %v", loaded.Pipeline.StaleRunningThreshold())
	}
}

func TestFindSource_CaseInsensitive(t *testing.T) {
	cfg := Config{Sources: []Source{{ID: "Drums", Path: "/a"}}}

	if s := cfg.FindSource("drums"); s == nil || s.Path != "/a" {
		t.Errorf("expected case-insensitive match, got %v", s)
	}
	if s := cfg.FindSource("missing"); s != nil {
		t.Errorf("expected nil for missing source, got %v", s)
	}
}

func TestDurationHelpers_Defaults(t *testing.T) {
	var p PipelineConfig

	if p.HeartbeatInterval() != 5*time.Second {
		t.Errorf("expected default heartbeat 5s, got %v", p.HeartbeatInterval())
	}
	if p.StaleRunningThreshold() != 60*time.Second {
		t.Errorf("expected default stale threshold 60s, got %v", p.StaleRunningThreshold())
	}
	if p.ProgressPollInterval() != 200*time.Millisecond {
		t.Errorf("expected default poll 200ms, got %v", p.ProgressPollInterval())
	}
}
