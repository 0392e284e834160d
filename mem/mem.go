// Package mem implements the per-CPU physical page allocator: the substrate
// every other subsystem (page tables, address spaces, the buffer cache)
// allocates frames from. It is adapted from biscuit's Physmem_t, cut down
// from biscuit's multi-shape amd64 allocator (which also hands out pml4
// pages from a second free-list class) to the single fixed-size-frame
// allocator the source kernel actually has, and reshaped onto a simulated
// RAM arena so it runs under `go test` instead of inside a hypervisor.
package mem

import (
	"encoding/binary"
	"fmt"
	"sync"
)

/// Pa_t is a physical address: a byte offset into the simulated RAM arena.
type Pa_t uintptr

const (
	sentinelFree byte = 0x01 /// clobber value for a newly freed frame
	sentinelAlloc byte = 0x05 /// clobber value for a newly allocated frame
)

const noFrame Pa_t = ^Pa_t(0)

type freelist_t struct {
	mu   sync.Mutex
	head Pa_t
}

// / PageAlloc_t is the per-CPU page allocator plus its sharded refcount
// / table, sized to manage the frames in [Base, PhysTop).
type PageAlloc_t struct {
	Ram     []byte
	Base    Pa_t /// first frame number counted from here (kernel_end)
	PhysTop Pa_t
	NCPU    int

	free     []freelist_t
	refLocks []sync.Mutex
	refcnt   []int32
}

func shard(pa Pa_t, ncpu int) int {
	return int((uintptr(pa) / PGSIZE) % uintptr(ncpu))
}

/// PGSIZE is the frame size in bytes (mirrors hal.PGSIZE; kept local so this
/// package has no import-cycle-prone dependency on the HAL for its one use).
const PGSIZE = 4096

/// Kinit initializes the allocator over ram, treating everything from
/// kernelEnd to reservedEnd as permanently-reserved metadata (refcount
/// pinned at 1) and everything from reservedEnd to physTop as the pool
/// freerange hands to the per-CPU freelists.
func (p *PageAlloc_t) Kinit(ram []byte, kernelEnd, reservedEnd, physTop Pa_t, ncpu int) {
	if ncpu < 1 {
		panic("kinit: ncpu")
	}
	p.Ram = ram
	p.Base = kernelEnd
	p.PhysTop = physTop
	p.NCPU = ncpu
	nframes := int((physTop - kernelEnd) / PGSIZE)
	p.refcnt = make([]int32, nframes)
	p.free = make([]freelist_t, ncpu)
	p.refLocks = make([]sync.Mutex, ncpu)
	for i := range p.free {
		p.free[i].head = noFrame
	}

	for pa := kernelEnd; pa < reservedEnd; pa += PGSIZE {
		p.refcnt[p.idx(pa)] = 1
	}
	p.freerange(reservedEnd, physTop)
}

func (p *PageAlloc_t) idx(pa Pa_t) int {
	return int((pa - p.Base) / PGSIZE)
}

// freerange hands every aligned page in [lo, hi) to Kfree. Each frame's
// refcount is set to 1 just before its Kfree, so the Kfree decrements it to
// zero and the frame lands on a freelist.
func (p *PageAlloc_t) freerange(lo, hi Pa_t) {
	for pa := lo; pa+PGSIZE <= hi; pa += PGSIZE {
		p.refcnt[p.idx(pa)] = 1
		p.Kfree(pa)
	}
}

/// Kreflock acquires the refcount shard lock covering pa.
func (p *PageAlloc_t) Kreflock(pa Pa_t) {
	p.refLocks[shard(pa, p.NCPU)].Lock()
}

/// Krefunlock releases the refcount shard lock covering pa.
func (p *PageAlloc_t) Krefunlock(pa Pa_t) {
	p.refLocks[shard(pa, p.NCPU)].Unlock()
}

/// Refcount returns the current reference count of the frame at pa.
func (p *PageAlloc_t) Refcount(pa Pa_t) int32 {
	p.Kreflock(pa)
	defer p.Krefunlock(pa)
	return p.refcnt[p.idx(pa)]
}

/// Inc_refcount bumps pa's refcount by one. Used when a frame becomes
/// jointly owned by another page table (COW fork, VMA fork).
func (p *PageAlloc_t) Inc_refcount(pa Pa_t) {
	p.Kreflock(pa)
	p.refcnt[p.idx(pa)]++
	p.Krefunlock(pa)
}

/// Dec_refcount drops pa's refcount by one without freeing, taking the shard
/// lock itself, for callers that need the decrement decoupled from Kfree's
/// validation. Prefer Kfree for the common "I'm done with this frame" case.
func (p *PageAlloc_t) Dec_refcount(pa Pa_t) int32 {
	p.Kreflock(pa)
	p.refcnt[p.idx(pa)]--
	c := p.refcnt[p.idx(pa)]
	p.Krefunlock(pa)
	if c < 0 {
		panic("dec_refcount: negative")
	}
	return c
}

/// Kalloc allocates one frame for the caller running on the given CPU,
/// stealing from another CPU's freelist on a local miss. It returns ok=false
/// only when every per-CPU freelist is empty.
func (p *PageAlloc_t) Kalloc(cpu int) (Pa_t, bool) {
	pa, ok := p.popFree(cpu)
	if !ok {
		pa, ok = p.ksteal(cpu)
	}
	if !ok {
		return 0, false
	}
	p.Kreflock(pa)
	if p.refcnt[p.idx(pa)] != 0 {
		p.Krefunlock(pa)
		panic("kalloc: frame already referenced")
	}
	p.refcnt[p.idx(pa)] = 1
	p.Krefunlock(pa)
	p.clobber(pa, sentinelAlloc)
	return pa, true
}

// ksteal tries every other CPU's freelist in round-robin order starting at
// self+1, taking the first frame it finds.
func (p *PageAlloc_t) ksteal(self int) (Pa_t, bool) {
	if p.NCPU <= 1 {
		return 0, false
	}
	for i := (self + 1) % p.NCPU; i != self; i = (i + 1) % p.NCPU {
		if pa, ok := p.popFree(i); ok {
			return pa, true
		}
	}
	return 0, false
}

func (p *PageAlloc_t) popFree(cpu int) (Pa_t, bool) {
	fl := &p.free[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.head == noFrame {
		return 0, false
	}
	pa := fl.head
	fl.head = p.readNext(pa)
	return pa, true
}

/// Kfree validates and releases one reference to the frame at pa. The
/// physical free only happens when the refcount reaches zero, which is what
/// lets a COW-shared frame survive every sharer but the last calling Kfree.
func (p *PageAlloc_t) Kfree(pa Pa_t) {
	if uintptr(pa)%PGSIZE != 0 || pa < p.Base || pa >= p.PhysTop {
		panic(fmt.Sprintf("kfree: bad frame %#x", pa))
	}
	p.Kreflock(pa)
	p.refcnt[p.idx(pa)]--
	c := p.refcnt[p.idx(pa)]
	p.Krefunlock(pa)
	if c < 0 {
		panic("kfree: refcount underflow")
	}
	if c != 0 {
		return
	}
	p.clobber(pa, sentinelFree)
	s := shard(pa, p.NCPU)
	fl := &p.free[s]
	fl.mu.Lock()
	p.writeNext(pa, fl.head)
	fl.head = pa
	fl.mu.Unlock()
}

// / Frame returns the byte range backing the frame at pa, for callers (the
// / page-table engine) that need to address its contents directly. The
// / caller is responsible for any synchronization; Frame itself takes no lock.
func (p *PageAlloc_t) Frame(pa Pa_t) []byte {
	off := uintptr(pa)
	return p.Ram[off : off+PGSIZE]
}

// / ZeroFrame fills a frame with zero bytes, as walk(alloc=true) does to a
// / freshly materialized page-table node.
func (p *PageAlloc_t) ZeroFrame(pa Pa_t) {
	f := p.Frame(pa)
	for i := range f {
		f[i] = 0
	}
}

func (p *PageAlloc_t) frame(pa Pa_t) []byte {
	return p.Frame(pa)
}

func (p *PageAlloc_t) clobber(pa Pa_t, b byte) {
	f := p.frame(pa)
	for i := range f {
		f[i] = b
	}
}

func (p *PageAlloc_t) writeNext(pa, next Pa_t) {
	binary.LittleEndian.PutUint64(p.frame(pa)[:8], uint64(next))
}

func (p *PageAlloc_t) readNext(pa Pa_t) Pa_t {
	return Pa_t(binary.LittleEndian.Uint64(p.frame(pa)[:8]))
}

/// NCPUs reports how many per-CPU freelists this allocator shards across,
/// for metrics.Collector to iterate without reaching into the struct field.
func (p *PageAlloc_t) NCPUs() int { return p.NCPU }

/// FreeListDepth reports how many frames currently sit on CPU cpu's
/// freelist. Diagnostic only (wired into metrics.Collector).
func (p *PageAlloc_t) FreeListDepth(cpu int) int {
	fl := &p.free[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n := 0
	for pa := fl.head; pa != noFrame; pa = p.readNext(pa) {
		n++
	}
	return n
}
