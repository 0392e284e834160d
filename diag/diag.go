// Package diag renders allocator and buffer-cache state as pprof profiles,
// repurposing github.com/google/pprof/profile — a dependency biscuit's
// go.mod already carries for symbolizing its own kernel's profiling
// support — as a structured, tool-readable snapshot format instead of the
// plain-text dumps PrintPageTable produces.
package diag

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// / AllocatorSnapshot is the read-only view of mem.PageAlloc_t diag needs.
type AllocatorSnapshot interface {
	FreeListDepth(cpu int) int
	NCPUs() int
}

// / CacheSnapshot is the read-only view of fs.Cache_t diag needs.
type CacheSnapshot interface {
	Stats() (hits, misses, steals int64)
}

func baseProfile(sampleType, unit string) *profile.Profile {
	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleType, Unit: unit}},
		TimeNanos:  time.Now().UnixNano(),
	}
}

// / DumpAllocatorProfile writes one pprof sample per CPU shard, its value
// / the number of frames currently on that shard's freelist, labeled by cpu
// / index so a `go tool pprof -tree` on the output groups samples by shard.
func DumpAllocatorProfile(w io.Writer, alloc AllocatorSnapshot) error {
	p := baseProfile("free_pages", "pages")
	for cpu := 0; cpu < alloc.NCPUs(); cpu++ {
		loc := &profile.Location{ID: uint64(cpu + 1)}
		fn := &profile.Function{ID: uint64(cpu + 1), Name: cpuLabel(cpu)}
		loc.Line = []profile.Line{{Function: fn}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(alloc.FreeListDepth(cpu))},
		})
	}
	return p.Write(w)
}

// / DumpCacheProfile writes three pprof samples — hit, miss, cross-bucket
// / steal — each the cumulative count of that outcome since Binit.
func DumpCacheProfile(w io.Writer, cache CacheSnapshot) error {
	p := baseProfile("bcache_events", "events")
	hits, misses, steals := cache.Stats()
	names := []string{"hit", "miss", "steal"}
	counts := []int64{hits, misses, steals}
	for i, name := range names {
		loc := &profile.Location{ID: uint64(i + 1)}
		fn := &profile.Function{ID: uint64(i + 1), Name: name}
		loc.Line = []profile.Line{{Function: fn}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counts[i]},
		})
	}
	return p.Write(w)
}

func cpuLabel(cpu int) string {
	return fmt.Sprintf("cpu%d", cpu)
}
