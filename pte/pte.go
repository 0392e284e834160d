// Package pte implements the three-level Sv39 page-table engine: walk,
// mappages, uvmunmap, freewalk, walkaddr, kvmpa. It is adapted from the
// original source kernel's vm.c, which keeps these alongside the
// address-space manager in one file; biscuit splits "physical page
// management" (mem) from "address space" (vm) the same way we split pte
// from vm here, so a leaf-engine package sits cleanly between them.
package pte

import (
	"encoding/binary"
	"fmt"

	"rv6/defs"
	"rv6/hal"
	"rv6/mem"
)

// / Ctx binds the page-table engine to one physical allocator and the CPU
// / identity of the caller (standing in for cpuid()+push_off/pop_off, which
// / in the source kernel come from the out-of-scope scheduler).
type Ctx struct {
	Mem *mem.PageAlloc_t
	Cpu int
}

// / Leaf addresses one page-table entry by the node containing it and the
// / entry's index within that node; it plays the role of a `pte_t *` without
// / requiring a live Go pointer into simulated physical memory.
type Leaf struct {
	node mem.Pa_t
	idx  uintptr
}

func entry(node []byte, i uintptr) uintptr {
	return uintptr(binary.LittleEndian.Uint64(node[i*8 : i*8+8]))
}

func setEntry(node []byte, i uintptr, v uintptr) {
	binary.LittleEndian.PutUint64(node[i*8:i*8+8], uint64(v))
}

/// Get reads the raw PTE value a Leaf addresses.
func (c *Ctx) Get(l Leaf) uintptr {
	return entry(c.Mem.Frame(l.node), l.idx)
}

/// Set writes a raw PTE value to a Leaf.
func (c *Ctx) Set(l Leaf, v uintptr) {
	setEntry(c.Mem.Frame(l.node), l.idx, v)
}

/// MarkDirty sets the software D bit on a leaf — called by vm.CopyOut after
/// it deposits bytes into a page, standing in for the hardware dirty bit a
/// real Sv39 CPU would set on any store (see hal.PTE_D).
func (c *Ctx) MarkDirty(l Leaf) {
	c.Set(l, c.Get(l)|hal.PTE_D)
}

/// Walk traverses from root to the leaf entry for va. With alloc=true it
/// materializes missing interior nodes via Kalloc+zero-fill; ok is false
/// when alloc is true and allocation fails, or when alloc is false and an
/// interior node on the path is missing.
func (c *Ctx) Walk(root mem.Pa_t, va uintptr, alloc bool) (Leaf, bool) {
	if va >= hal.MAXVA {
		panic("walk: va too large")
	}
	pt := root
	for level := 2; level > 0; level-- {
		idx := hal.PX(level, va)
		pteVal := entry(c.Mem.Frame(pt), idx)
		if pteVal&hal.PTE_V != 0 {
			pt = mem.Pa_t(hal.PTE2PA(pteVal))
			continue
		}
		if !alloc {
			return Leaf{}, false
		}
		child, ok := c.Mem.Kalloc(c.Cpu)
		if !ok {
			return Leaf{}, false
		}
		c.Mem.ZeroFrame(child)
		setEntry(c.Mem.Frame(pt), idx, hal.PA2PTE(uintptr(child))|hal.PTE_V)
		pt = child
	}
	return Leaf{node: pt, idx: hal.PX(0, va)}, true
}

/// Mappages installs leaf mappings for every page in [va, va+size) to the
/// corresponding physical pages starting at pa. Remapping an already-valid
/// leaf is fatal; a failed walk during the loop leaves earlier
/// mappings installed — cleanup is the caller's responsibility, matching the
/// source kernel (callers either own the whole range or are doomed anyway).
func (c *Ctx) Mappages(root mem.Pa_t, va, size, pa uintptr, perm uintptr) bool {
	a := hal.PGROUNDDOWN(va)
	last := hal.PGROUNDDOWN(va + size - 1)
	for {
		leaf, ok := c.Walk(root, a, true)
		if !ok {
			return false
		}
		if c.Get(leaf)&hal.PTE_V != 0 {
			panic("mappages: remap")
		}
		c.Set(leaf, hal.PA2PTE(pa)|perm|hal.PTE_V)
		if a == last {
			break
		}
		a += hal.PGSIZE
		pa += hal.PGSIZE
	}
	return true
}

/// Uvmunmap removes npages of mappings starting at va, which must be
/// page-aligned. Missing interior levels and absent leaves are tolerated —
/// they represent lazy/COW holes, not bugs — but a present interior-only
/// entry (V without any of R/W/X) indicates the caller walked into the
/// middle of the radix tree and is fatal.
func (c *Ctx) Uvmunmap(root mem.Pa_t, va uintptr, npages int, doFree bool) {
	if va%hal.PGSIZE != 0 {
		panic("uvmunmap: not aligned")
	}
	for a := va; a < va+uintptr(npages)*hal.PGSIZE; a += hal.PGSIZE {
		leaf, ok := c.Walk(root, a, false)
		if !ok {
			continue
		}
		pteVal := c.Get(leaf)
		if pteVal&hal.PTE_V == 0 {
			continue
		}
		if pteVal&hal.PTE_FLAGS == hal.PTE_V {
			panic("uvmunmap: not a leaf")
		}
		if doFree {
			c.Mem.Kfree(mem.Pa_t(hal.PTE2PA(pteVal)))
		}
		c.Set(leaf, 0)
	}
}

/// Freewalk recursively frees every interior node of a page table, in
/// post-order. Any leaf still present when Freewalk reaches it is a bug —
/// callers must Uvmunmap all leaves first.
func (c *Ctx) Freewalk(root mem.Pa_t) {
	frame := c.Mem.Frame(root)
	for i := uintptr(0); i < 512; i++ {
		pteVal := entry(frame, i)
		isInterior := pteVal&hal.PTE_V != 0 && pteVal&(hal.PTE_R|hal.PTE_W|hal.PTE_X) == 0
		if isInterior {
			child := mem.Pa_t(hal.PTE2PA(pteVal))
			c.Freewalk(child)
			setEntry(frame, i, 0)
		} else if pteVal&hal.PTE_V != 0 {
			panic("freewalk: leaf")
		}
	}
	c.Mem.Kfree(root)
}

/// Walkaddr resolves a user virtual address to its physical frame. Only
/// U-accessible leaves are returned — it is not a general kernel-address
/// resolver (see Kvmpa for that).
func (c *Ctx) Walkaddr(root mem.Pa_t, va uintptr) (mem.Pa_t, bool) {
	if va >= hal.MAXVA {
		return 0, false
	}
	leaf, ok := c.Walk(root, va, false)
	if !ok {
		return 0, false
	}
	pteVal := c.Get(leaf)
	if pteVal&hal.PTE_V == 0 || pteVal&hal.PTE_U == 0 {
		return 0, false
	}
	return mem.Pa_t(hal.PTE2PA(pteVal)), true
}

/// Kvmpa resolves a kernel virtual address (assumed page-aligned plus
/// in-page offset) to a physical address. Unlike Walkaddr it panics on an
/// unmapped address, since a kernel-side caller asking for the physical
/// address of its own mapping has already made a logic error if it's absent.
func (c *Ctx) Kvmpa(root mem.Pa_t, va uintptr) mem.Pa_t {
	off := va % hal.PGSIZE
	leaf, ok := c.Walk(root, va, false)
	if !ok {
		panic("kvmpa: unmapped")
	}
	pteVal := c.Get(leaf)
	if pteVal&hal.PTE_V == 0 {
		panic("kvmpa: unmapped")
	}
	return mem.Pa_t(hal.PTE2PA(pteVal)) + mem.Pa_t(off)
}

/// Copy duplicates every valid leaf in [begin, end) from oldRoot into
/// newRoot. Ordinary pages become copy-on-write in both page tables (write
/// permission stripped, PTE_C set, refcount bumped) so the frame survives
/// until the last sharer's Kfree. When ustackValid is true, the single page
/// at ustackVa is instead eagerly duplicated into a fresh frame — the address
/// space's user stack is never COW-shared, matching ASM's uvmcopy/copy_vma
/// sharing the same primitive over different ranges (one over the whole
/// address space including the stack, the other over the VMA region where no
/// stack page ever appears). On allocation or mapping failure, everything
/// already installed in newRoot over [begin, i) is torn down and ENOMEM is
/// returned.
func (c *Ctx) Copy(oldRoot, newRoot mem.Pa_t, begin, end, ustackVa uintptr, ustackValid bool) defs.Err_t {
	i := begin
	for ; i < end; i += hal.PGSIZE {
		leaf, ok := c.Walk(oldRoot, i, false)
		if !ok {
			continue
		}
		pteVal := c.Get(leaf)
		if pteVal&hal.PTE_V == 0 {
			continue
		}
		pa := mem.Pa_t(hal.PTE2PA(pteVal))

		if ustackValid && i == ustackVa {
			flags := pteVal & hal.PTE_FLAGS
			frame, ok := c.Mem.Kalloc(c.Cpu)
			if !ok {
				c.Uvmunmap(newRoot, begin, int((i-begin)/hal.PGSIZE), true)
				return defs.ENOMEM
			}
			copy(c.Mem.Frame(frame), c.Mem.Frame(pa))
			if !c.Mappages(newRoot, i, hal.PGSIZE, uintptr(frame), flags) {
				c.Mem.Kfree(frame)
				c.Uvmunmap(newRoot, begin, int((i-begin)/hal.PGSIZE), true)
				return defs.ENOMEM
			}
			continue
		}

		cowFlags := hal.COW_FLAGS(pteVal & hal.PTE_FLAGS)
		c.Set(leaf, hal.PA2PTE(uintptr(pa))|cowFlags)
		if !c.Mappages(newRoot, i, hal.PGSIZE, uintptr(pa), cowFlags) {
			c.Uvmunmap(newRoot, begin, int((i-begin)/hal.PGSIZE), true)
			return defs.ENOMEM
		}
		c.Mem.Inc_refcount(pa)
	}
	return 0
}

/// Parse renders a single PTE's flags for diagnostics, grounded on the
/// original source's pte_parser.
func Parse(pteVal uintptr) string {
	b := func(x uintptr) int {
		if x != 0 {
			return 1
		}
		return 0
	}
	return fmt.Sprintf("PTE=(PA=%#x,V=%d,U=%d,R=%d,W=%d,X=%d,C=%d)",
		hal.PTE2PA(pteVal), b(pteVal&hal.PTE_V), b(pteVal&hal.PTE_U),
		b(pteVal&hal.PTE_R), b(pteVal&hal.PTE_W), b(pteVal&hal.PTE_X), b(pteVal&hal.PTE_C))
}
