package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rv6/hal"
	"rv6/mem"
	"rv6/proc"
	"rv6/pte"
)

func newMachine(t *testing.T, npages int) *Machine {
	t.Helper()
	ram := make([]byte, (npages+8)*hal.PGSIZE)
	pa := &mem.PageAlloc_t{}
	pa.Kinit(ram, 0, 4*hal.PGSIZE, mem.Pa_t((npages+4)*hal.PGSIZE), 2)
	trampoline, ok := pa.Kalloc(0)
	require.True(t, ok)
	pa.ZeroFrame(trampoline)
	return &Machine{Mem: pa, Hart: &hal.Hart{}, TrampolinePa: trampoline}
}

func newProc(t *testing.T, m *Machine) *proc.Proc_t {
	t.Helper()
	pt, ok := m.Uvmcreate(0)
	require.True(t, ok)
	kpt := m.ProcKvminit(0, nil) // reuse the global-style table as a stand-in kernel table
	return &proc.Proc_t{Pagetable: uintptr(pt), KernelPagetable: uintptr(kpt)}
}

func TestUvmallocZeroesFreshPages(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	new := m.Uvmalloc(0, p, mem.Pa_t(p.Pagetable), 0, hal.PGSIZE*2)
	require.EqualValues(t, hal.PGSIZE*2, new)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}
	pa, ok := c.Walkaddr(mem.Pa_t(p.Pagetable), 0)
	require.True(t, ok)
	for _, b := range m.Mem.Frame(pa) {
		require.Equal(t, byte(0), b)
	}
}

func TestUvmallocDuplicatesCowPageOnGrowth(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}

	shared, ok := m.Mem.Kalloc(0)
	require.True(t, ok)
	m.Mem.Frame(shared)[0] = 0x99
	m.Mem.Inc_refcount(shared) // pretend a sibling also holds this frame
	cowPerm := hal.COW_FLAGS(hal.PTE_V | hal.PTE_U | hal.PTE_R | hal.PTE_W)
	require.True(t, c.Mappages(mem.Pa_t(p.Pagetable), 0, hal.PGSIZE, uintptr(shared), cowPerm))
	p.Sz = hal.PGSIZE

	new := m.Uvmalloc(0, p, mem.Pa_t(p.Pagetable), 0, hal.PGSIZE)
	require.EqualValues(t, hal.PGSIZE, new)

	pa, ok := c.Walkaddr(mem.Pa_t(p.Pagetable), 0)
	require.True(t, ok)
	require.NotEqual(t, shared, pa, "growth through a cow page must install a private copy")
	require.Equal(t, byte(0x99), m.Mem.Frame(pa)[0])
	leaf, ok := c.Walk(mem.Pa_t(p.Pagetable), 0, false)
	require.True(t, ok)
	require.False(t, hal.IsCow(c.Get(leaf)))
}

func TestUvmcopySharesOrdinaryPagesButNotUstack(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}
	p.Sz = hal.PGSIZE * 2
	p.Ustack = hal.PGSIZE

	require.EqualValues(t, hal.PGSIZE*2, m.Uvmalloc(0, p, mem.Pa_t(p.Pagetable), 0, hal.PGSIZE*2))

	newPt, ok := m.Uvmcreate(0)
	require.True(t, ok)
	require.EqualValues(t, 0, m.Uvmcopy(0, p, mem.Pa_t(p.Pagetable), newPt, p.Sz))

	codePa, _ := c.Walkaddr(mem.Pa_t(p.Pagetable), 0)
	codeChildPa, _ := c.Walkaddr(newPt, 0)
	require.Equal(t, codePa, codeChildPa, "non-stack pages must be shared cow")
	require.EqualValues(t, 2, m.Mem.Refcount(codePa))

	stackPa, _ := c.Walkaddr(mem.Pa_t(p.Pagetable), p.Ustack)
	stackChildPa, _ := c.Walkaddr(newPt, p.Ustack)
	require.NotEqual(t, stackPa, stackChildPa, "the user stack must never be cow-shared")
}

func TestUvmdeallocFreesShrunkPages(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}
	require.EqualValues(t, hal.PGSIZE*3, m.Uvmalloc(0, p, mem.Pa_t(p.Pagetable), 0, hal.PGSIZE*3))
	pa, _ := c.Walkaddr(mem.Pa_t(p.Pagetable), hal.PGSIZE*2)

	got := m.Uvmdealloc(0, mem.Pa_t(p.Pagetable), hal.PGSIZE*3, hal.PGSIZE)
	require.EqualValues(t, hal.PGSIZE, got)
	require.EqualValues(t, 0, m.Mem.Refcount(pa))
	_, ok := c.Walkaddr(mem.Pa_t(p.Pagetable), hal.PGSIZE*2)
	require.False(t, ok)
}

func TestProcUsermappingMirrorsBelowPlic(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}
	p.Sz = hal.PGSIZE
	require.EqualValues(t, hal.PGSIZE, m.Uvmalloc(0, p, mem.Pa_t(p.Pagetable), 0, hal.PGSIZE))

	m.ProcUsermapping(0, p, 0, hal.PGSIZE)

	leaf, ok := c.Walk(mem.Pa_t(p.KernelPagetable), 0, false)
	require.True(t, ok)
	pteVal := c.Get(leaf)
	require.NotZero(t, pteVal&hal.PTE_V)
	require.Zero(t, pteVal&hal.PTE_U, "the kernel shadow must never carry PTE_U")
}

func TestCopyOutMarksDirtyAndFaultsInLazyTail(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}
	p.Sz = hal.PGSIZE // one page is "allocated" per the process's own bookkeeping

	payload := []byte("kernel-to-user payload")
	require.EqualValues(t, 0, m.CopyOut(0, p, mem.Pa_t(p.Pagetable), 0, payload))

	pa, ok := c.Walkaddr(mem.Pa_t(p.Pagetable), 0)
	require.True(t, ok)
	require.Equal(t, payload, m.Mem.Frame(pa)[:len(payload)])
	leaf, ok := c.Walk(mem.Pa_t(p.Pagetable), 0, false)
	require.True(t, ok)
	require.NotZero(t, c.Get(leaf)&hal.PTE_D)
}

func TestCopyInSplitsAtPlic(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}

	below := uintptr(hal.PLIC - hal.PGSIZE)
	belowFrame, ok := m.Mem.Kalloc(0)
	require.True(t, ok)
	copy(m.Mem.Frame(belowFrame)[hal.PGSIZE-16:], []byte("below-plic-bytes"))
	require.True(t, c.Mappages(mem.Pa_t(p.Pagetable), below, hal.PGSIZE, uintptr(belowFrame), hal.PTE_V|hal.PTE_U|hal.PTE_R|hal.PTE_W))
	require.True(t, c.Mappages(mem.Pa_t(p.KernelPagetable), below, hal.PGSIZE, uintptr(belowFrame), hal.PTE_V|hal.PTE_R|hal.PTE_W))

	aboveFrame, ok := m.Mem.Kalloc(0)
	require.True(t, ok)
	copy(m.Mem.Frame(aboveFrame), []byte("above-plic-bytes"))
	require.True(t, c.Mappages(mem.Pa_t(p.Pagetable), hal.PLIC, hal.PGSIZE, uintptr(aboveFrame), hal.PTE_V|hal.PTE_U|hal.PTE_R|hal.PTE_W))

	dst := make([]byte, 32)
	srcva := below + hal.PGSIZE - 16
	require.EqualValues(t, 0, m.CopyIn(0, p, mem.Pa_t(p.Pagetable), dst, srcva))
	require.Equal(t, []byte("below-plic-bytes"), dst[:16])
	require.Equal(t, []byte("above-plic-bytes"), dst[16:32])
}

func TestCopyInStrSplitsAtPlic(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}

	below := uintptr(hal.PLIC - hal.PGSIZE)
	belowFrame, ok := m.Mem.Kalloc(0)
	require.True(t, ok)
	copy(m.Mem.Frame(belowFrame)[hal.PGSIZE-2:], []byte("ab"))
	// Only the kernel-pagetable shadow maps the below-PLIC page; the user
	// page table has nothing there, so a wrongly-used slow path would fail
	// to resolve it rather than silently falling back to the fast path.
	require.True(t, c.Mappages(mem.Pa_t(p.KernelPagetable), below, hal.PGSIZE, uintptr(belowFrame), hal.PTE_V|hal.PTE_R|hal.PTE_W))

	aboveFrame, ok := m.Mem.Kalloc(0)
	require.True(t, ok)
	copy(m.Mem.Frame(aboveFrame)[:3], []byte("cd\x00"))
	require.True(t, c.Mappages(mem.Pa_t(p.Pagetable), hal.PLIC, hal.PGSIZE, uintptr(aboveFrame), hal.PTE_V|hal.PTE_U|hal.PTE_R|hal.PTE_W))

	dst := make([]byte, 16)
	srcva := below + hal.PGSIZE - 2
	require.EqualValues(t, 0, m.CopyInStr(0, p, mem.Pa_t(p.Pagetable), dst, srcva, len(dst)))
	require.Equal(t, []byte("abcd\x00"), dst[:5])
}

func TestPageFaultHandlerGrowsLazyRegion(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	p.Sz = hal.PGSIZE * 4
	p.Ustack = hal.PGSIZE * 10

	rc := m.PageFaultHandler(0, p, hal.PGSIZE*2+17)
	require.Equal(t, 0, rc)

	c := &pte.Ctx{Mem: m.Mem, Cpu: 0}
	_, ok := c.Walkaddr(mem.Pa_t(p.Pagetable), hal.PGSIZE*2)
	require.True(t, ok)
}

func TestPageFaultHandlerRejectsUnmappedAddress(t *testing.T) {
	m := newMachine(t, 64)
	p := newProc(t, m)
	p.Sz = hal.PGSIZE
	p.Ustack = hal.PGSIZE * 10

	rc := m.PageFaultHandler(0, p, hal.PGSIZE*50)
	require.Equal(t, -1, rc)
}
