// Package vma implements the memory-mapped-file region table: mapping,
// unmapping, demand-loading, fork-time duplication, and membership testing
// for a process's mmap'd regions. It is grounded on the original source
// kernel's mmap-lab additions to vm.c, generalized to a VmStart-descending
// table with file-backed load/writeback instead of the lab's in-memory-only
// demonstration. vma intentionally depends only on pte (not on package vm)
// so that vm's page-fault handler can call into vma without an import
// cycle — both ultimately drive the same page-table engine.
package vma

import (
	"rv6/defs"
	"rv6/hal"
	"rv6/mem"
	"rv6/proc"
	"rv6/pte"
)

// / MmapValid returns the index of the VMA covering va, or -1 if none does.
func MmapValid(p *proc.Proc_t, va uintptr) int {
	for i := range p.Vma {
		v := &p.Vma[i]
		if v.Used && va >= v.VmStart && va < v.VmEnd {
			return i
		}
	}
	return -1
}

// recomputeBound sets p.VmaBound to the lowest VmStart among used VMAs, or
// TRAPFRAME if the table is empty — the invariant every ASM growth and
// page-fault check relies on to know where the VMA region begins.
func recomputeBound(p *proc.Proc_t) {
	bound := uintptr(hal.TRAPFRAME)
	for i := range p.Vma {
		if p.Vma[i].Used && p.Vma[i].VmStart < bound {
			bound = p.Vma[i].VmStart
		}
	}
	p.VmaBound = bound
}

func permFromProt(prot int) uintptr {
	perm := uintptr(hal.PTE_V | hal.PTE_U)
	if prot&proc.PROT_READ != 0 {
		perm |= hal.PTE_R
	}
	if prot&proc.PROT_WRITE != 0 {
		perm |= hal.PTE_W
	}
	if prot&proc.PROT_EXEC != 0 {
		perm |= hal.PTE_X
	}
	return perm
}

func overlapsExisting(begin, end, vmStart, vmEnd uintptr) bool {
	return begin < vmEnd && vmStart < end
}

// bubbleUp walks the freshly-inserted entry at slot toward index 0 while its
// VmStart exceeds its left neighbor's, keeping the table sorted descending
// by VmStart with valid entries packed to a prefix.
func bubbleUp(p *proc.Proc_t, slot int) {
	for slot > 0 && p.Vma[slot].VmStart > p.Vma[slot-1].VmStart {
		p.Vma[slot], p.Vma[slot-1] = p.Vma[slot-1], p.Vma[slot]
		slot--
	}
}

// compactFrom removes the entry at idx by shifting every later entry down
// by one, preserving the packed-prefix invariant.
func compactFrom(p *proc.Proc_t, idx int) {
	for i := idx; i < len(p.Vma)-1; i++ {
		p.Vma[i] = p.Vma[i+1]
	}
	p.Vma[len(p.Vma)-1] = proc.Vma_t{}
}

// / MapVma reserves [begin, end) as a new region, rejecting the request if
// / the table is full, if begin >= end, or if [begin, end) intersects any
// / existing valid region. The new entry is bubbled toward index 0 while its
// / VmStart exceeds its left neighbor's, keeping the table sorted descending
// / by VmStart. file is Dup'd so the VMA table holds its own reference,
// / released on unmap.
func MapVma(p *proc.Proc_t, begin, end uintptr, prot, flags int, file proc.File_i, offset, fileSize int64) defs.Err_t {
	if begin >= end {
		return defs.EINVAL
	}
	slot := -1
	for i := range p.Vma {
		if !p.Vma[i].Used {
			slot = i
			break
		}
		if overlapsExisting(begin, end, p.Vma[i].VmStart, p.Vma[i].VmEnd) {
			return defs.EINVAL
		}
	}
	if slot < 0 {
		return defs.ENOMEM
	}
	p.Vma[slot] = proc.Vma_t{
		Used: true, VmStart: begin, VmEnd: end,
		Prot: prot, Flags: flags, File: file.Dup(), Offset: offset, FileSize: fileSize,
	}
	bubbleUp(p, slot)
	recomputeBound(p)
	return 0
}

// / LoadVma demand-loads the single page at va belonging to the VMA at idx:
// / it reads the corresponding file range (zero-filling any tail past the
// / file's length, for a mapping that extends beyond EOF) into the physical
// / frame page_fault_handler has already uvmalloc'd at va, then narrows that
// / frame's leaf permissions down to the VMA's requested prot bits — uvmalloc
// / always installs a fully-permissive RWX leaf, since it has no notion of a
// / VMA's own restrictions.
func LoadVma(c *pte.Ctx, p *proc.Proc_t, va uintptr, idx int) defs.Err_t {
	v := &p.Vma[idx]
	pa, ok := c.Walkaddr(mem.Pa_t(p.Pagetable), va)
	if !ok {
		return defs.EFAULT
	}
	off := v.Offset + int64(va-v.VmStart)
	frame := c.Mem.Frame(pa)
	n := 0
	if off < v.FileSize {
		toRead := frame
		if off+int64(len(frame)) > v.FileSize {
			toRead = frame[:v.FileSize-off]
		}
		got, err := v.File.ReadAt(toRead, off)
		if err != nil {
			return defs.EFAULT
		}
		n = got
	}
	for i := n; i < len(frame); i++ {
		frame[i] = 0
	}
	leaf, ok := c.Walk(mem.Pa_t(p.Pagetable), va, false)
	if !ok {
		return defs.EFAULT
	}
	c.Set(leaf, hal.PA2PTE(uintptr(pa))|permFromProt(v.Prot))
	return 0
}

func writebackRange(c *pte.Ctx, fs proc.FS_i, p *proc.Proc_t, v *proc.Vma_t, start, end uintptr) {
	for a := start; a < end; a += hal.PGSIZE {
		leaf, ok := c.Walk(mem.Pa_t(p.Pagetable), a, false)
		if !ok {
			continue
		}
		pteVal := c.Get(leaf)
		if pteVal&hal.PTE_V == 0 || pteVal&hal.PTE_D == 0 {
			continue
		}
		pa := mem.Pa_t(hal.PTE2PA(pteVal))
		off := v.Offset + int64(a-v.VmStart)
		fs.BeginOp()
		v.File.WriteAt(c.Mem.Frame(pa), off)
		fs.EndOp()
	}
}

// / UnmapVma releases [va, va+length) from the VMA covering va, writing back
// / any dirty page in range first if the VMA is MAP_SHARED (each writeback
// / bracketed in its own filesystem transaction, per-page, so a crash
// / mid-unmap loses at most one page's worth of work rather than leaving a
// / torn multi-page transaction open). Only a prefix, a suffix, or the whole
// / region may be released in one call — punching a hole in the middle of a
// / VMA would require splitting it into two table entries, which the fixed
// / NVMA-sized table has no slot to spare for and munmap never needs.
func UnmapVma(c *pte.Ctx, fs proc.FS_i, p *proc.Proc_t, va, length uintptr) defs.Err_t {
	idx := MmapValid(p, va)
	if idx < 0 {
		return defs.EINVAL
	}
	v := &p.Vma[idx]
	start := hal.PGROUNDDOWN(va)
	end := va + hal.PGROUNDUP(length)
	if end > v.VmEnd {
		end = v.VmEnd
	}

	if v.Flags&proc.MAP_SHARED != 0 {
		writebackRange(c, fs, p, v, start, end)
	}
	if npages := int((end - start) / hal.PGSIZE); npages > 0 {
		c.Uvmunmap(mem.Pa_t(p.Pagetable), start, npages, true)
	}

	switch {
	case start == v.VmStart && end == v.VmEnd:
		v.File.Close()
		compactFrom(p, idx)
	case start == v.VmStart:
		v.Offset += int64(end - v.VmStart)
		v.VmStart = end
	case end == v.VmEnd:
		v.VmEnd = start
	default:
		panic("unmap_vma: cannot punch a hole in the middle of a region")
	}
	recomputeBound(p)
	return 0
}

// / UnmapAllVma releases every VMA a process holds, in use at process exit.
// / Each full-region unmap compacts the table, so the next victim is always
// / found back at index 0 rather than at a now-stale index.
func UnmapAllVma(c *pte.Ctx, fs proc.FS_i, p *proc.Proc_t) {
	for p.Vma[0].Used {
		v := p.Vma[0]
		UnmapVma(c, fs, p, v.VmStart, v.VmEnd-v.VmStart)
	}
}

// / CopyVma duplicates p's entire VMA table and region contents into np for
// / fork: every region gets its own File_i reference (via Dup) and its pages
// / become copy-on-write shared with the parent, via the same pte.Ctx.Copy
// / primitive uvmcopy uses over the non-VMA range.
func CopyVma(c *pte.Ctx, p, np *proc.Proc_t) defs.Err_t {
	for i := range p.Vma {
		if !p.Vma[i].Used {
			continue
		}
		v := p.Vma[i]
		v.File = v.File.Dup()
		np.Vma[i] = v
	}
	recomputeBound(np)
	if p.VmaBound == 0 || p.VmaBound >= hal.TRAPFRAME {
		return 0
	}
	return c.Copy(mem.Pa_t(p.Pagetable), mem.Pa_t(np.Pagetable), p.VmaBound, hal.TRAPFRAME, 0, false)
}
