// Package testutil provides deterministic fixture generators and
// assertions for pipeline tests. All generators produce reproducible
// output for a fixed seed.
package testutil

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// GeneratorConfig controls fixture generation.
type GeneratorConfig struct {
	Seed     int64     // Random seed for determinism (0 = use current time)
	SourceID string    // Source id for generated samples (default: "testsrc")
	BaseTime time.Time // Base time for timestamps (default: fixed time)
}

// DefaultConfig returns a config suitable for most tests.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:     42,
		SourceID: "testsrc",
		BaseTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Generator creates deterministic sample and scan fixtures.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
}

// New creates a Generator with the given config.
func New(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "testsrc"
	}
	if cfg.BaseTime.IsZero() {
		cfg.BaseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// NewDefault creates a Generator with default config.
func NewDefault() *Generator {
	return New(DefaultConfig())
}

// SourceID returns the source id used for generated fixtures.
func (g *Generator) SourceID() string {
	return g.cfg.SourceID
}

// Samples generates n staged samples with distinct paths and hashes.
func (g *Generator) Samples(n int) []model.SampleMetadata {
	out := make([]model.SampleMetadata, 0, n)
	for i := 0; i < n; i++ {
		id, err := model.MakeSampleID(g.cfg.SourceID, g.RelPath(i))
		if err != nil {
			panic(fmt.Sprintf("testutil: generated invalid sample id: %v", err))
		}
		out = append(out, model.SampleMetadata{
			SampleID:    id,
			ContentHash: g.Hash(i),
			Size:        int64(1024 + g.rng.Intn(1<<20)),
			MtimeNS:     g.mtimeNS(i),
		})
	}
	return out
}

// ChangedSamples generates n scan results matching Samples(n).
func (g *Generator) ChangedSamples(n int) []model.ChangedSample {
	out := make([]model.ChangedSample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.ChangedSample{
			RelativePath: g.RelPath(i),
			ContentHash:  g.Hash(i),
			FileSize:     int64(1024 + g.rng.Intn(1<<20)),
			ModifiedNS:   g.mtimeNS(i),
		})
	}
	return out
}

// RelPath returns the deterministic relative path for sample index i.
func (g *Generator) RelPath(i int) string {
	return fmt.Sprintf("kit%02d/sample%03d.wav", i%4, i)
}

// Hash returns the deterministic content hash for sample index i.
func (g *Generator) Hash(i int) string {
	return fmt.Sprintf("hash-%08x", i)
}

// SampleID returns the deterministic sample id for index i.
func (g *Generator) SampleID(i int) model.SampleID {
	id, err := model.MakeSampleID(g.cfg.SourceID, g.RelPath(i))
	if err != nil {
		panic(fmt.Sprintf("testutil: generated invalid sample id: %v", err))
	}
	return id
}

func (g *Generator) mtimeNS(i int) int64 {
	return g.cfg.BaseTime.Add(time.Duration(i) * time.Second).UnixNano()
}
