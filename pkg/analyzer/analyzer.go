// Package analyzer defines the decode and extraction contracts consumed by
// the worker pool, plus default implementations: a PCM WAV decoder and
// spectral feature/embedding extractors.
package analyzer

import "errors"

// Common errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyAudio        = errors.New("decoded audio is empty")
)

// AnalysisAudio is decoded, analysis-ready audio: mono float64 samples in
// [-1, 1] at the decoded sample rate.
type AnalysisAudio struct {
	Samples    []float64
	SampleRate int
}

// DurationSeconds returns the audio length in seconds.
func (a *AnalysisAudio) DurationSeconds() float64 {
	if a == nil || a.SampleRate <= 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Decoder turns a file on disk into analysis-ready audio. Implementations
// may be slow and are always called off the UI thread.
type Decoder interface {
	DecodeForAnalysis(path string) (*AnalysisAudio, error)
}

// DurationProber estimates a file's duration from headers alone, without
// decoding sample data. Used to apply the maximum-analysis-duration cutoff
// before paying for a full decode.
type DurationProber interface {
	ProbeDuration(path string) (seconds float64, err error)
}

// FeatureExtractor produces a persistable acoustic feature blob from
// decoded audio.
type FeatureExtractor interface {
	ExtractFeatures(audio *AnalysisAudio) ([]byte, error)
}

// EmbeddingExtractor produces a persistable embedding blob from decoded
// audio.
type EmbeddingExtractor interface {
	ExtractEmbedding(audio *AnalysisAudio) ([]byte, error)
}
