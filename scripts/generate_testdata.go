//go:build ignore

// generate_testdata.go creates standard sample-source trees for benchmarking.
// Usage: go run scripts/generate_testdata.go
//
// Creates:
//	tests/testdata/sources/small/   (20 samples)
//	tests/testdata/sources/medium/  (200 samples)
//	tests/testdata/sources/large/   (1000 samples)
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

type datasetSpec struct {
	name string
	size int
	desc string
}

var datasets = []datasetSpec{
	{"small", 20, "20 short tones across 4 folders"},
	{"medium", 200, "200 short tones across 8 folders"},
	{"large", 1000, "1000 short tones across 16 folders"},
}

var folders = []string{
	"kicks", "snares", "hats", "claps",
	"toms", "rides", "percs", "fx",
	"bass", "leads", "pads", "plucks",
	"vox", "loops", "risers", "impacts",
}

func main() {
	outputDir := "tests/testdata/sources"

	for _, ds := range datasets {
		fmt.Printf("Generating %s source (%d samples)...\n", ds.name, ds.size)

		root := filepath.Join(outputDir, ds.name)
		folderCount := calculateFolderCount(ds.size)
		rng := rand.New(rand.NewSource(int64(ds.size))) // reproducible per-size

		var bytes int
		for i := 0; i < ds.size; i++ {
			folder := folders[i%folderCount]
			name := fmt.Sprintf("%s%03d.wav", folder[:len(folder)-1], i/folderCount)
			path := filepath.Join(root, folder, name)

			freq := 40 + rng.Float64()*7960
			seconds := 0.05 + rng.Float64()*0.45
			data := sineWAV(freq, seconds)

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", filepath.Dir(path), err)
				os.Exit(1)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", path, err)
				os.Exit(1)
			}
			bytes += len(data)
		}

		fmt.Printf("  Written %s (%s, %d bytes)\n", root, ds.desc, bytes)
	}

	fmt.Println("\nDone! Sample sources created in", outputDir)
}

func calculateFolderCount(size int) int {
	switch {
	case size <= 20:
		return 4
	case size <= 200:
		return 8
	default:
		return 16
	}
}

// sineWAV renders a 16-bit PCM mono sine tone at 8 kHz.
func sineWAV(freq, seconds float64) []byte {
	const sampleRate = 8000

	n := int(seconds * sampleRate)
	dataSize := uint32(2 * n)

	out := make([]byte, 0, 44+2*n)
	out = append(out, []byte("RIFF")...)
	out = binary.LittleEndian.AppendUint32(out, 36+dataSize)
	out = append(out, []byte("WAVEfmt ")...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1) // PCM
	out = binary.LittleEndian.AppendUint16(out, 1) // mono
	out = binary.LittleEndian.AppendUint32(out, sampleRate)
	out = binary.LittleEndian.AppendUint32(out, sampleRate*2)
	out = binary.LittleEndian.AppendUint16(out, 2)
	out = binary.LittleEndian.AppendUint16(out, 16)
	out = append(out, []byte("data")...)
	out = binary.LittleEndian.AppendUint32(out, dataSize)

	for i := 0; i < n; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / sampleRate)
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v*16000)))
	}
	return out
}
