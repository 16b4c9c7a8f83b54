package analyzer

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// WAVDecoder decodes RIFF/WAVE files containing integer PCM (8/16/24/32
// bit) or 32-bit float samples. Multi-channel audio is mixed down to mono.
type WAVDecoder struct{}

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// DecodeForAnalysis implements Decoder.
func (WAVDecoder) DecodeForAnalysis(path string) (*AnalysisAudio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	format, data, err := readWAV(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	samples, err := convertToMono(format, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("decoding %s: %w", path, ErrEmptyAudio)
	}

	return &AnalysisAudio{Samples: samples, SampleRate: int(format.sampleRate)}, nil
}

// ProbeDuration implements DurationProber by reading chunk headers only.
func (WAVDecoder) ProbeDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	format, dataLen, err := scanWAVHeaders(f, false)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", path, err)
	}
	bytesPerFrame := int64(format.channels) * int64(format.bitsPerSample/8)
	if bytesPerFrame == 0 || format.sampleRate == 0 {
		return 0, fmt.Errorf("probing %s: %w", path, ErrUnsupportedFormat)
	}
	frames := dataLen / bytesPerFrame
	return float64(frames) / float64(format.sampleRate), nil
}

func readWAV(r io.ReadSeeker) (wavFormat, []byte, error) {
	format, dataLen, err := scanWAVHeaders(r, true)
	if err != nil {
		return wavFormat{}, nil, err
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return wavFormat{}, nil, fmt.Errorf("reading sample data: %w", err)
	}
	return format, data, nil
}

// scanWAVHeaders walks RIFF chunks until the data chunk. When seekToData
// is true the reader is left positioned at the start of sample data;
// otherwise only the data length is reported.
func scanWAVHeaders(r io.ReadSeeker, seekToData bool) (wavFormat, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return wavFormat{}, 0, fmt.Errorf("reading RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavFormat{}, 0, ErrUnsupportedFormat
	}

	var format wavFormat
	haveFormat := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return wavFormat{}, 0, fmt.Errorf("missing data chunk: %w", ErrUnsupportedFormat)
			}
			return wavFormat{}, 0, fmt.Errorf("reading chunk header: %w", err)
		}
		chunkID := string(chunk[0:4])
		chunkLen := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch chunkID {
		case "fmt ":
			var fmtData [16]byte
			if _, err := io.ReadFull(r, fmtData[:]); err != nil {
				return wavFormat{}, 0, fmt.Errorf("reading fmt chunk: %w", err)
			}
			format.audioFormat = binary.LittleEndian.Uint16(fmtData[0:2])
			format.channels = binary.LittleEndian.Uint16(fmtData[2:4])
			format.sampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
			format.bitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])
			haveFormat = true
			// Skip any fmt extension bytes.
			if rest := chunkLen - 16; rest > 0 {
				if _, err := r.Seek(rest+rest%2, io.SeekCurrent); err != nil {
					return wavFormat{}, 0, fmt.Errorf("skipping fmt extension: %w", err)
				}
			}
		case "data":
			if !haveFormat {
				return wavFormat{}, 0, fmt.Errorf("data chunk before fmt: %w", ErrUnsupportedFormat)
			}
			if !seekToData {
				return format, chunkLen, nil
			}
			return format, chunkLen, nil
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			if _, err := r.Seek(chunkLen+chunkLen%2, io.SeekCurrent); err != nil {
				return wavFormat{}, 0, fmt.Errorf("skipping %q chunk: %w", chunkID, err)
			}
		}
	}
}

func convertToMono(format wavFormat, data []byte) ([]float64, error) {
	channels := int(format.channels)
	if channels < 1 {
		return nil, ErrUnsupportedFormat
	}
	bytesPerSample := int(format.bitsPerSample) / 8

	var decode func(b []byte) float64
	switch {
	case format.audioFormat == wavFormatPCM && format.bitsPerSample == 8:
		// 8-bit WAV is unsigned.
		decode = func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }
	case format.audioFormat == wavFormatPCM && format.bitsPerSample == 16:
		decode = func(b []byte) float64 {
			return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
		}
	case format.audioFormat == wavFormatPCM && format.bitsPerSample == 24:
		decode = func(b []byte) float64 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v&0x800000 != 0 {
				v |= ^int32(0xffffff)
			}
			return float64(v) / 8388608
		}
	case format.audioFormat == wavFormatPCM && format.bitsPerSample == 32:
		decode = func(b []byte) float64 {
			return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}
	case format.audioFormat == wavFormatFloat && format.bitsPerSample == 32:
		decode = func(b []byte) float64 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
	default:
		return nil, fmt.Errorf("format %d at %d bits: %w", format.audioFormat, format.bitsPerSample, ErrUnsupportedFormat)
	}

	frameBytes := bytesPerSample * channels
	if frameBytes == 0 {
		return nil, ErrUnsupportedFormat
	}
	frames := len(data) / frameBytes
	samples := getSampleBuffer(frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			off := i*frameBytes + c*bytesPerSample
			sum += decode(data[off : off+bytesPerSample])
		}
		samples = append(samples, sum/float64(channels))
	}
	return samples, nil
}
