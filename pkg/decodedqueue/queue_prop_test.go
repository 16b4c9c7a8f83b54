package decodedqueue

import (
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"

	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// Random push/pop interleavings never leave two queued analyze items for
// the same sample, and every pop clears the way for a re-push.
func TestQueue_DedupProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := New(64)
		var shutdown atomic.Bool

		queued := map[model.SampleID]int{}
		nextID := int64(1)

		ops := rapid.IntRange(1, 40).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(rt, "push") {
				sample := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "sample")
				item := analyzeItem(nextID, sample+".wav")
				nextID++

				accepted := q.Push(item, &shutdown)
				if accepted {
					queued[item.Job.SampleID]++
				}
				if !accepted && queued[item.Job.SampleID] == 0 {
					rt.Fatalf("push of unqueued sample %q rejected", item.Job.SampleID)
				}
			} else {
				if q.Len() == 0 {
					continue
				}
				item, ok := q.Pop(&shutdown)
				if !ok {
					rt.Fatal("pop of non-empty queue failed")
				}
				queued[item.Job.SampleID]--
			}

			for sample, n := range queued {
				if n > 1 {
					rt.Fatalf("sample %q queued %d times", sample, n)
				}
			}
		}
	})
}
