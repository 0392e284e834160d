package pte

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rv6/hal"
	"rv6/mem"
)

func newCtx(t *testing.T, npages int) (*Ctx, mem.Pa_t) {
	t.Helper()
	ram := make([]byte, (npages+8)*hal.PGSIZE)
	pa := &mem.PageAlloc_t{}
	pa.Kinit(ram, 0, 4*hal.PGSIZE, mem.Pa_t((npages+4)*hal.PGSIZE), 2)
	c := &Ctx{Mem: pa, Cpu: 0}
	root, ok := pa.Kalloc(0)
	require.True(t, ok)
	pa.ZeroFrame(root)
	return c, root
}

func TestMappagesThenWalkaddr(t *testing.T) {
	c, root := newCtx(t, 64)
	frame, ok := c.Mem.Kalloc(0)
	require.True(t, ok)
	ok = c.Mappages(root, 0x1000, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_R|hal.PTE_W|hal.PTE_U)
	require.True(t, ok)
	got, ok := c.Walkaddr(root, 0x1000)
	require.True(t, ok)
	require.EqualValues(t, frame, got)
}

func TestMappagesRemapPanics(t *testing.T) {
	c, root := newCtx(t, 64)
	frame, _ := c.Mem.Kalloc(0)
	require.True(t, c.Mappages(root, 0x2000, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_R|hal.PTE_U))
	frame2, _ := c.Mem.Kalloc(0)
	require.Panics(t, func() {
		c.Mappages(root, 0x2000, hal.PGSIZE, uintptr(frame2), hal.PTE_V|hal.PTE_R|hal.PTE_U)
	})
}

func TestUvmunmapToleratesHoles(t *testing.T) {
	c, root := newCtx(t, 64)
	// No mapping at all installed for this range: must not panic.
	require.NotPanics(t, func() {
		c.Uvmunmap(root, 0x5000, 3, true)
	})
}

func TestUvmunmapFreesFrame(t *testing.T) {
	c, root := newCtx(t, 64)
	frame, _ := c.Mem.Kalloc(0)
	require.True(t, c.Mappages(root, 0x3000, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_R|hal.PTE_U))
	c.Uvmunmap(root, 0x3000, 1, true)
	require.EqualValues(t, 0, c.Mem.Refcount(frame))
	_, ok := c.Walkaddr(root, 0x3000)
	require.False(t, ok)
}

func TestUvmunmapInteriorOnlyPanics(t *testing.T) {
	c, root := newCtx(t, 64)
	// Force an interior node to materialize without a leaf beneath it, then
	// poke the interior slot directly into the leaf level to simulate the
	// "V without R/W/X" corruption uvmunmap must catch.
	leaf, ok := c.Walk(root, 0x4000, true)
	require.True(t, ok)
	c.Set(leaf, hal.PTE_V) // valid, but no R/W/X: not a leaf
	require.Panics(t, func() { c.Uvmunmap(root, 0x4000, 1, false) })
}

func TestFreewalkPanicsOnRemainingLeaf(t *testing.T) {
	c, root := newCtx(t, 64)
	frame, _ := c.Mem.Kalloc(0)
	require.True(t, c.Mappages(root, 0x6000, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_R|hal.PTE_U))
	require.Panics(t, func() { c.Freewalk(root) })
}

func TestFreewalkFreesInteriorNodes(t *testing.T) {
	c, root := newCtx(t, 64)
	frame, _ := c.Mem.Kalloc(0)
	require.True(t, c.Mappages(root, 0x7000, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_R|hal.PTE_U))
	c.Uvmunmap(root, 0x7000, 1, true)
	require.NotPanics(t, func() { c.Freewalk(root) })
}
