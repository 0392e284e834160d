package diag

import (
	"bytes"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"
)

type fakeAlloc struct{ depths []int }

func (f *fakeAlloc) FreeListDepth(cpu int) int { return f.depths[cpu] }
func (f *fakeAlloc) NCPUs() int                { return len(f.depths) }

type fakeCache struct{ hits, misses, steals int64 }

func (f *fakeCache) Stats() (int64, int64, int64) { return f.hits, f.misses, f.steals }

func TestDumpAllocatorProfileRoundtrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DumpAllocatorProfile(&buf, &fakeAlloc{depths: []int{2, 0, 7}}))

	p, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, p.Sample, 3)
	require.Equal(t, int64(7), p.Sample[2].Value[0])
}

func TestDumpCacheProfileRoundtrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DumpCacheProfile(&buf, &fakeCache{hits: 9, misses: 2, steals: 1}))

	p, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, p.Sample, 3)
	require.Equal(t, int64(9), p.Sample[0].Value[0])
	require.Equal(t, int64(2), p.Sample[1].Value[0])
	require.Equal(t, int64(1), p.Sample[2].Value[0])
}
