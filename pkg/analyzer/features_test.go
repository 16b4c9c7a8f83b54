package analyzer

import (
	"math"
	"testing"
)

func sineAudio(sampleRate int, freq float64, seconds float64) *AnalysisAudio {
	frames := int(seconds * float64(sampleRate))
	samples := make([]float64, frames)
	for i := range samples {
		samples[i] = 0.8 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return &AnalysisAudio{Samples: samples, SampleRate: sampleRate}
}

func TestSpectralExtractor_SineCentroid(t *testing.T) {
	audio := sineAudio(44100, 1000, 0.5)

	blob, err := SpectralExtractor{}.ExtractFeatures(audio)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	values, err := DecodeFloat32Blob(blob)
	if err != nil {
		t.Fatalf("decode blob failed: %v", err)
	}
	if len(values) != FeatureDim {
		t.Fatalf("expected %d features, got %d", FeatureDim, len(values))
	}

	centroid := values[2]
	// A pure 1kHz tone should have its centroid near 1kHz. Windowing
	// leakage spreads it somewhat.
	if centroid < 500 || centroid > 2000 {
		t.Errorf("expected centroid near 1000Hz, got %f", centroid)
	}

	rmsVal := values[0]
	// RMS of 0.8*sin is 0.8/sqrt(2).
	if math.Abs(rmsVal-0.8/math.Sqrt2) > 0.05 {
		t.Errorf("expected rms ~%f, got %f", 0.8/math.Sqrt2, rmsVal)
	}
}

func TestSpectralExtractor_EmptyAudio(t *testing.T) {
	if _, err := (SpectralExtractor{}).ExtractFeatures(&AnalysisAudio{SampleRate: 44100}); err == nil {
		t.Fatal("expected error for empty audio")
	}
	if _, err := (SpectralExtractor{}).ExtractFeatures(nil); err == nil {
		t.Fatal("expected error for nil audio")
	}
}

func TestSpectralExtractor_ShortInput(t *testing.T) {
	// Shorter than one FFT frame; must still produce features via the
	// zero-padded single frame path.
	audio := sineAudio(44100, 440, 0.01)

	blob, err := SpectralExtractor{}.ExtractFeatures(audio)
	if err != nil {
		t.Fatalf("extract failed for short input: %v", err)
	}
	if len(blob) != FeatureDim*4 {
		t.Errorf("expected %d-byte blob, got %d", FeatureDim*4, len(blob))
	}
}

func TestSpectrumEmbedder_NormalizedVector(t *testing.T) {
	audio := sineAudio(44100, 880, 0.25)

	blob, err := SpectrumEmbedder{}.ExtractEmbedding(audio)
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	values, err := DecodeFloat32Blob(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != DefaultEmbeddingDim {
		t.Fatalf("expected %d dims, got %d", DefaultEmbeddingDim, len(values))
	}

	norm := 0.0
	for _, v := range values {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if math.Abs(norm-1.0) > 0.01 {
		t.Errorf("expected unit norm, got %f", norm)
	}
}

func TestSpectrumEmbedder_Deterministic(t *testing.T) {
	audio := sineAudio(44100, 660, 0.25)

	a, err := SpectrumEmbedder{}.ExtractEmbedding(audio)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SpectrumEmbedder{}.ExtractEmbedding(audio)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("expected identical embeddings for identical audio")
	}
}

func TestDecodeFloat32Blob_BadLength(t *testing.T) {
	if _, err := DecodeFloat32Blob([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for misaligned blob")
	}
}
