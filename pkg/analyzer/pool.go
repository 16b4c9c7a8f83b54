package analyzer

import (
	"sync"
	"sync/atomic"
)

// defaultSampleCap covers roughly one second of 44.1kHz mono audio, the
// common case for one-shot drum samples.
const defaultSampleCap = 48_000

// samplePool manages reusable decode buffers. Buffers are returned after
// a job's extraction completes, so decode-heavy backfills do not churn
// large allocations.
var samplePool = sync.Pool{
	New: func() any {
		samplePoolNews.Add(1)
		buf := make([]float64, 0, defaultSampleCap)
		return &buf
	},
}

var samplePoolGets atomic.Uint64
var samplePoolNews atomic.Uint64

// getSampleBuffer retrieves a zero-length buffer with at least the given
// capacity hint.
func getSampleBuffer(capHint int) []float64 {
	samplePoolGets.Add(1)
	bufp := samplePool.Get().(*[]float64)
	buf := (*bufp)[:0]
	if cap(buf) < capHint {
		buf = make([]float64, 0, capHint)
	}
	return buf
}

// PutAudio returns an AnalysisAudio's sample buffer to the pool for reuse.
// After this call, the audio must not be used.
func PutAudio(audio *AnalysisAudio) {
	if audio == nil || audio.Samples == nil {
		return
	}
	buf := audio.Samples[:0]
	samplePool.Put(&buf)
	audio.Samples = nil
}

// SamplePoolStats returns the total pool hits and misses since process
// start.
func SamplePoolStats() (hits uint64, misses uint64) {
	gets := samplePoolGets.Load()
	news := samplePoolNews.Load()
	if gets >= news {
		return gets - news, news
	}
	return 0, news
}
