package analyzer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/PORTALSURFER/sempal-sub005/pkg/metrics"
)

const (
	fftSize = 2048
	hopSize = 512
	// rolloffFraction is the cumulative-energy fraction defining the
	// spectral rolloff frequency.
	rolloffFraction = 0.85
)

// SpectralExtractor is the default FeatureExtractor: a compact set of
// frame-averaged spectral descriptors suitable for similarity triage.
//
// Blob layout: little-endian float32 values in the order
// [rms, zero_crossing_rate, centroid_hz, rolloff_hz, flatness, crest].
type SpectralExtractor struct{}

// FeatureDim is the number of float32 values in a feature blob.
const FeatureDim = 6

// ExtractFeatures implements FeatureExtractor.
func (SpectralExtractor) ExtractFeatures(audio *AnalysisAudio) ([]byte, error) {
	defer metrics.Timer(metrics.ExtractFeature)()

	if audio == nil || len(audio.Samples) == 0 {
		return nil, ErrEmptyAudio
	}

	spectrum, err := averageSpectrum(audio.Samples)
	if err != nil {
		return nil, err
	}

	features := [FeatureDim]float64{
		rms(audio.Samples),
		zeroCrossingRate(audio.Samples),
		spectralCentroid(spectrum, audio.SampleRate),
		spectralRolloff(spectrum, audio.SampleRate),
		spectralFlatness(spectrum),
		crestFactor(audio.Samples),
	}

	return encodeFloat32Blob(features[:]), nil
}

// SpectrumEmbedder is the default EmbeddingExtractor: an L2-normalized
// log-band energy profile. It is a stand-in for model inference with the
// same persistence contract, so downstream similarity search has a real
// vector to index.
type SpectrumEmbedder struct {
	// Dim is the embedding dimensionality. 0 means DefaultEmbeddingDim.
	Dim int
}

// DefaultEmbeddingDim is the embedding size when Dim is unset.
const DefaultEmbeddingDim = 64

// ExtractEmbedding implements EmbeddingExtractor.
func (e SpectrumEmbedder) ExtractEmbedding(audio *AnalysisAudio) ([]byte, error) {
	defer metrics.Timer(metrics.ExtractEmbed)()

	if audio == nil || len(audio.Samples) == 0 {
		return nil, ErrEmptyAudio
	}
	dim := e.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}

	spectrum, err := averageSpectrum(audio.Samples)
	if err != nil {
		return nil, err
	}

	// Log-spaced band energies compress perceptually-similar content into
	// nearby vectors better than linear bands.
	embedding := make([]float64, dim)
	n := len(spectrum)
	for b := 0; b < dim; b++ {
		lo := int(math.Pow(float64(n), float64(b)/float64(dim)))
		hi := int(math.Pow(float64(n), float64(b+1)/float64(dim)))
		if hi <= lo {
			hi = lo + 1
		}
		if hi > n {
			hi = n
		}
		sum := 0.0
		for i := lo; i < hi; i++ {
			sum += spectrum[i]
		}
		embedding[b] = math.Log1p(sum / float64(hi-lo))
	}

	if norm := floats.Norm(embedding, 2); norm > 0 {
		floats.Scale(1/norm, embedding)
	}

	return encodeFloat32Blob(embedding), nil
}

// averageSpectrum returns the magnitude spectrum averaged over hann-
// windowed frames. Short inputs are analyzed as a single zero-padded
// frame.
func averageSpectrum(samples []float64) ([]float64, error) {
	fft := fourier.NewFFT(fftSize)
	window := hannWindow(fftSize)
	frame := make([]float64, fftSize)
	coeffs := make([]complex128, fftSize/2+1)
	spectrum := make([]float64, fftSize/2+1)

	frames := 0
	for start := 0; start == 0 || start+fftSize <= len(samples); start += hopSize {
		for i := range frame {
			if start+i < len(samples) {
				frame[i] = samples[start+i] * window[i]
			} else {
				frame[i] = 0
			}
		}
		coeffs = fft.Coefficients(coeffs, frame)
		for i, c := range coeffs {
			spectrum[i] += cmplxAbs(c)
		}
		frames++
	}
	if frames == 0 {
		return nil, ErrEmptyAudio
	}
	floats.Scale(1/float64(frames), spectrum)
	return spectrum, nil
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func rms(samples []float64) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

func spectralCentroid(spectrum []float64, sampleRate int) float64 {
	total := floats.Sum(spectrum)
	if total == 0 {
		return 0
	}
	binHz := float64(sampleRate) / float64(fftSize)
	weighted := 0.0
	for i, m := range spectrum {
		weighted += float64(i) * binHz * m
	}
	return weighted / total
}

func spectralRolloff(spectrum []float64, sampleRate int) float64 {
	total := floats.Sum(spectrum)
	if total == 0 {
		return 0
	}
	binHz := float64(sampleRate) / float64(fftSize)
	target := total * rolloffFraction
	cum := 0.0
	for i, m := range spectrum {
		cum += m
		if cum >= target {
			return float64(i) * binHz
		}
	}
	return float64(len(spectrum)-1) * binHz
}

func spectralFlatness(spectrum []float64) float64 {
	if len(spectrum) == 0 {
		return 0
	}
	logSum := 0.0
	arithSum := 0.0
	for _, m := range spectrum {
		logSum += math.Log(m + 1e-12)
		arithSum += m
	}
	geoMean := math.Exp(logSum / float64(len(spectrum)))
	arithMean := arithSum / float64(len(spectrum))
	if arithMean == 0 {
		return 0
	}
	return geoMean / arithMean
}

func crestFactor(samples []float64) float64 {
	r := rms(samples)
	if r == 0 {
		return 0
	}
	peak := 0.0
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak / r
}

func encodeFloat32Blob(values []float64) []byte {
	var buf bytes.Buffer
	buf.Grow(len(values) * 4)
	for _, v := range values {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(v)))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// DecodeFloat32Blob decodes a feature or embedding blob back into
// float64 values. Used by downstream consumers and tests.
func DecodeFloat32Blob(blob []byte) ([]float64, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(blob))
	}
	out := make([]float64, len(blob)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}
