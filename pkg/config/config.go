// Package config handles loading and saving sempal configuration.
//
// Configuration follows the XDG Base Directory specification:
//   - Config:  ~/.config/sempal/config.yaml
//   - Data:    ~/.local/share/sempal/ (per-source databases)
//   - State:   ~/.local/state/sempal/ (library database, view state)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source is one registered sample source: a directory tree of audio files
// identified by a stable id.
type Source struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// PipelineConfig holds analysis pipeline settings.
type PipelineConfig struct {
	// Workers is the analysis worker thread count. 0 means
	// available parallelism minus one, floor 1.
	Workers int `yaml:"workers,omitempty"`
	// DecodedQueueSize bounds the decoded-but-not-analyzed staging queue.
	DecodedQueueSize int `yaml:"decoded_queue_size,omitempty"`
	// HeartbeatIntervalS is how often running jobs are heartbeat-stamped.
	HeartbeatIntervalS int `yaml:"heartbeat_interval_s,omitempty"`
	// StaleRunningThresholdS marks a running job stale when its heartbeat
	// is older than this many seconds.
	StaleRunningThresholdS int `yaml:"stale_running_threshold_s,omitempty"`
	// MaxAnalysisDurationS skips decode for files longer than this cutoff.
	// 0 disables the cutoff.
	MaxAnalysisDurationS int `yaml:"max_analysis_duration_s,omitempty"`
	// AllowedSources restricts workers to jobs from these source ids.
	// Empty means all sources.
	AllowedSources []string `yaml:"allowed_sources,omitempty"`
	// ProgressPollMS is the progress poller interval in milliseconds.
	ProgressPollMS int `yaml:"progress_poll_ms,omitempty"`
}

// ScanConfig controls source scanning.
type ScanConfig struct {
	// HashWorkers bounds parallel content hashing during a scan.
	HashWorkers int `yaml:"hash_workers,omitempty"`
	// WatchSources enables the filesystem watcher that triggers rescans.
	WatchSources bool `yaml:"watch_sources,omitempty"`
	// DebounceMS is the watcher debounce window in milliseconds.
	DebounceMS int `yaml:"debounce_ms,omitempty"`
}

// Config is the top-level configuration for sempal.
type Config struct {
	Sources  []Source       `yaml:"sources,omitempty"`
	DBDir    string         `yaml:"db_dir,omitempty"` // overrides the XDG data dir for databases
	Pipeline PipelineConfig `yaml:"pipeline,omitempty"`
	Scan     ScanConfig     `yaml:"scan,omitempty"`
}

// DefaultWorkers returns the default analysis worker count: available
// parallelism minus one, floor 1.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Pipeline: PipelineConfig{
			Workers:                0, // resolved via DefaultWorkers at pool start
			DecodedQueueSize:       16,
			HeartbeatIntervalS:     5,
			StaleRunningThresholdS: 60,
			ProgressPollMS:         200,
		},
		Scan: ScanConfig{
			HashWorkers: 4,
			DebounceMS:  200,
		},
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (p PipelineConfig) HeartbeatInterval() time.Duration {
	if p.HeartbeatIntervalS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.HeartbeatIntervalS) * time.Second
}

// StaleRunningThreshold returns the stale-running threshold as a duration.
func (p PipelineConfig) StaleRunningThreshold() time.Duration {
	if p.StaleRunningThresholdS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.StaleRunningThresholdS) * time.Second
}

// ProgressPollInterval returns the progress poller interval as a duration.
func (p PipelineConfig) ProgressPollInterval() time.Duration {
	if p.ProgressPollMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(p.ProgressPollMS) * time.Millisecond
}

// ConfigDir returns the XDG config directory for sempal.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "sempal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sempal")
}

// DataDir returns the XDG data directory for sempal.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "sempal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "sempal")
}

// StateDir returns the XDG state directory for sempal.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "sempal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "sempal")
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DatabaseDir returns the directory holding sempal databases, honoring the
// db_dir override.
func (c Config) DatabaseDir() string {
	if c.DBDir != "" {
		return expandHome(c.DBDir)
	}
	return DataDir()
}

// Load reads the config file from the XDG config directory.
// Returns DefaultConfig if the file doesn't exist.
func Load() (Config, error) {
	path := ConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads config from a specific path.
// Returns DefaultConfig if the file doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	// Expand ~ in source paths
	for i := range cfg.Sources {
		cfg.Sources[i].Path = expandHome(cfg.Sources[i].Path)
	}

	return cfg, nil
}

// Save writes the config to the XDG config directory.
func Save(cfg Config) error {
	path := ConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the config to a specific path.
func SaveTo(cfg Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// FindSource returns the source with the given id, or nil.
func (c Config) FindSource(id string) *Source {
	for i := range c.Sources {
		if strings.EqualFold(c.Sources[i].ID, id) {
			return &c.Sources[i]
		}
	}
	return nil
}

// ResolvedPath returns the source path with ~ expanded.
func (s Source) ResolvedPath() string {
	return expandHome(s.Path)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
