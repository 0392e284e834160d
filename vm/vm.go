// Package vm implements the address-space manager (ASM): growing and
// shrinking a process's address space, copy-on-write fork, lazy page-fault
// resolution, the per-process kernel-page-table shadow of low memory, and
// the cross-address-space copyin/copyout/copyinstr family. It is adapted
// from the original source kernel's vm.c and kernel/proc.c's per-process
// kernel-pagetable helpers, generalized onto the pte package's Sv39 engine
// the way biscuit layers vm/as.go over mem/mem.go.
package vm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"rv6/defs"
	"rv6/hal"
	"rv6/mem"
	"rv6/proc"
	"rv6/pte"
	"rv6/vma"
)

// / KernelMapping is one fixed virtual-to-physical range every per-process
// / kernel page table must mirror (UART, virtio disk, CLINT, kernel
// / text/data) — boot-time configuration handed in by the caller, since the
// / concrete MMIO addresses belong to the out-of-scope driver/boot layer, not
// / to the address-space manager itself.
type KernelMapping struct {
	Va, Pa, Size uintptr
	Perm         uintptr
}

// / Machine binds the address-space manager to one physical allocator, one
// / Hart's satp/sfence_vma recorder, the global kernel mappings every
// / per-process kernel page table mirrors, and the shared trampoline frame
// / every address space maps at its top page.
type Machine struct {
	Mem             *mem.PageAlloc_t
	Hart            *hal.Hart
	GlobalMappings  []KernelMapping
	TrampolinePa    mem.Pa_t
	KernelPagetable mem.Pa_t
}

func (m *Machine) ctx(cpu int) *pte.Ctx { return &pte.Ctx{Mem: m.Mem, Cpu: cpu} }

// / Uvmcreate allocates and zeroes a fresh, empty page table.
func (m *Machine) Uvmcreate(cpu int) (mem.Pa_t, bool) {
	pa, ok := m.Mem.Kalloc(cpu)
	if !ok {
		return 0, false
	}
	m.Mem.ZeroFrame(pa)
	return pa, true
}

// / Uvminit loads the first process's text into page 0 of a fresh address
// / space. src must be smaller than one page — there is no process before the
// / first one to have grown its own address space from nothing.
func (m *Machine) Uvminit(cpu int, pagetable mem.Pa_t, src []byte) {
	if len(src) >= hal.PGSIZE {
		panic("uvminit: more than a page")
	}
	frame, ok := m.Mem.Kalloc(cpu)
	if !ok {
		panic("uvminit: kalloc")
	}
	m.Mem.ZeroFrame(frame)
	c := m.ctx(cpu)
	if !c.Mappages(pagetable, 0, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_U|hal.PTE_R|hal.PTE_W|hal.PTE_X) {
		panic("uvminit: mappages")
	}
	copy(m.Mem.Frame(frame), src)
}

// / Uvmalloc grows a process's address space from old to new, page by page.
// / A page whose walk finds an existing copy-on-write leaf (the growth target
// / overlaps a page this process shares with a sibling from a prior fork) is
// / resolved by eagerly duplicating it rather than extending the mapping —
// / growth through a COW page always produces a private copy, since COW
// / semantics apply to write-triggered faults, not to explicit growth. On any
// / failure, everything allocated so far in this call is torn down and 0 is
// / returned (old is returned unchanged on new<old, matching uvmdealloc's
// / counterpart check in the source kernel).
func (m *Machine) Uvmalloc(cpu int, p *proc.Proc_t, pt mem.Pa_t, old, new uintptr) uintptr {
	if new < old {
		return old
	}
	c := m.ctx(cpu)
	oldAligned := hal.PGROUNDUP(old)
	for a := oldAligned; a < new; a += hal.PGSIZE {
		frame, ok := m.Mem.Kalloc(cpu)
		if !ok {
			m.Uvmdealloc(cpu, pt, a, oldAligned)
			return 0
		}

		leaf, walkOk := c.Walk(pt, a, false)
		if walkOk && c.Get(leaf)&hal.PTE_V != 0 && hal.IsCow(c.Get(leaf)) {
			pteVal := c.Get(leaf)
			flags := hal.COW_WFLAGS(pteVal & hal.PTE_FLAGS)
			copy(m.Mem.Frame(frame), m.Mem.Frame(mem.Pa_t(hal.PTE2PA(pteVal))))
			c.Uvmunmap(pt, a, 1, true)
			if p != nil {
				m.ProcUsermapping(cpu, p, a+hal.PGSIZE, a)
			}
			if !c.Mappages(pt, a, hal.PGSIZE, uintptr(frame), flags) {
				m.Mem.Kfree(frame)
				m.Uvmdealloc(cpu, pt, a, oldAligned)
				return 0
			}
			continue
		}

		m.Mem.ZeroFrame(frame)
		if !c.Mappages(pt, a, hal.PGSIZE, uintptr(frame), hal.PTE_V|hal.PTE_U|hal.PTE_R|hal.PTE_W|hal.PTE_X) {
			m.Mem.Kfree(frame)
			m.Uvmdealloc(cpu, pt, a, oldAligned)
			return 0
		}
	}
	return new
}

// / Uvmdealloc shrinks a process's address space from old down to new,
// / freeing every whole page that falls out of range.
func (m *Machine) Uvmdealloc(cpu int, pt mem.Pa_t, old, new uintptr) uintptr {
	if new >= old {
		return old
	}
	if hal.PGROUNDUP(new) < hal.PGROUNDUP(old) {
		npages := int((hal.PGROUNDUP(old) - hal.PGROUNDUP(new)) / hal.PGSIZE)
		m.ctx(cpu).Uvmunmap(pt, hal.PGROUNDUP(new), npages, true)
	}
	return new
}

// / Uvmfree tears down an entire user address space: every leaf below sz,
// / then every interior node via Freewalk.
func (m *Machine) Uvmfree(cpu int, pt mem.Pa_t, sz uintptr) {
	c := m.ctx(cpu)
	if sz > 0 {
		c.Uvmunmap(pt, 0, int(hal.PGROUNDUP(sz)/hal.PGSIZE), true)
	}
	c.Freewalk(pt)
}

// / Uvmclear removes the PTE_U bit from the leaf at va, used to protect the
// / guard page below a user stack from further user-mode access.
func (m *Machine) Uvmclear(cpu int, pt mem.Pa_t, va uintptr) {
	c := m.ctx(cpu)
	leaf, ok := c.Walk(pt, va, false)
	if !ok {
		panic("uvmclear: unmapped")
	}
	c.Set(leaf, c.Get(leaf)&^hal.PTE_U)
}

// / Uvmcopy duplicates a process's entire non-VMA address space [0, sz) for
// / fork, sharing ordinary pages copy-on-write and eagerly duplicating the
// / user stack page so a child never shares its stack with its parent.
func (m *Machine) Uvmcopy(cpu int, p *proc.Proc_t, old, new mem.Pa_t, sz uintptr) defs.Err_t {
	c := m.ctx(cpu)
	ustackValid := p != nil
	var ustackVa uintptr
	if p != nil {
		ustackVa = p.Ustack
	}
	return c.Copy(old, new, 0, sz, ustackVa, ustackValid)
}

// / KvmMap installs one fixed kernel mapping, panicking on failure — a kernel
// / mapping the boot layer hands us is assumed never to collide or run out of
// / memory; if it does, continuing would only corrupt the page table further.
func (m *Machine) KvmMap(cpu int, pt mem.Pa_t, va, pa, sz, perm uintptr) {
	if !m.ctx(cpu).Mappages(pt, va, sz, pa, perm) {
		panic("kvmmap: mappages")
	}
}

// / ProcKvminit builds a fresh kernel page table mirroring every global
// / kernel mapping plus the PLIC window and the shared trampoline page. When
// / p is nil the result becomes the one global kernel page table used before
// / any process exists; otherwise it becomes p's private per-process kernel
// / page table.
func (m *Machine) ProcKvminit(cpu int, p *proc.Proc_t) mem.Pa_t {
	pt, ok := m.Uvmcreate(cpu)
	if !ok {
		panic("proc_kvminit: kalloc")
	}
	for _, km := range m.GlobalMappings {
		m.KvmMap(cpu, pt, km.Va, km.Pa, km.Size, km.Perm)
	}
	m.KvmMap(cpu, pt, hal.PLIC, hal.PLIC, hal.PLICSIZE, hal.PTE_R|hal.PTE_W)
	m.KvmMap(cpu, pt, hal.TRAMPOLINE, uintptr(m.TrampolinePa), hal.PGSIZE, hal.PTE_R|hal.PTE_X)
	if p == nil {
		m.KernelPagetable = pt
	} else {
		p.KernelPagetable = uintptr(pt)
	}
	return pt
}

// / KvmInit builds the one global kernel page table, for use before any
// / process exists.
func (m *Machine) KvmInit(cpu int) mem.Pa_t {
	return m.ProcKvminit(cpu, nil)
}

// / ProcKvminithart installs p's kernel page table (or the global one, if p
// / is nil) into satp and fences the TLB.
func (m *Machine) ProcKvminithart(p *proc.Proc_t) {
	pt := m.KernelPagetable
	if p != nil {
		pt = mem.Pa_t(p.KernelPagetable)
	}
	m.Hart.W_satp(uintptr(pt))
	m.Hart.Sfence_vma()
}

// / KvmInitHart installs the global kernel page table into satp.
func (m *Machine) KvmInitHart() { m.ProcKvminithart(nil) }

// / ProcFreekpagetable tears down a per-process kernel page table. The global
// / mappings, the PLIC window, and the trampoline page are shared
// / infrastructure and are unmapped without freeing their frames; only the
// / per-process kernel stack frame is owned by this page table and freed
// / with it.
func (m *Machine) ProcFreekpagetable(cpu int, pt mem.Pa_t, kstack uintptr) {
	c := m.ctx(cpu)
	for _, km := range m.GlobalMappings {
		c.Uvmunmap(pt, km.Va, int(km.Size/hal.PGSIZE), false)
	}
	c.Uvmunmap(pt, hal.PLIC, int(hal.PLICSIZE/hal.PGSIZE), false)
	c.Uvmunmap(pt, hal.TRAMPOLINE, 1, false)
	if kstack != 0 {
		c.Uvmunmap(pt, kstack, 1, true)
	}
	c.Freewalk(pt)
}

// / ProcKstackinit allocates p's kernel stack frame and maps it into p's
// / kernel page table at the fixed per-hart kernel-stack address.
func (m *Machine) ProcKstackinit(cpu int, p *proc.Proc_t, hart int) {
	pa, ok := m.Mem.Kalloc(cpu)
	if !ok {
		panic("proc_kstackinit: kalloc")
	}
	va := hal.KSTACK(hart)
	m.KvmMap(cpu, mem.Pa_t(p.KernelPagetable), va, uintptr(pa), hal.PGSIZE, hal.PTE_R|hal.PTE_W)
	p.Kstack = va
}

// / ProcUsermapping keeps p's per-process kernel page table synced to a
// / change in its user mapping over [new, old) or [old, new), whichever
// / direction the caller is moving. Addresses at or above PLIC, and any
// / overlap with the VMA region (at or above VmaBound), are never shadowed —
// / VMA pages are read via copyin/copyout's slow path instead, and nothing
// / above PLIC is user memory at all. A grown range maps each newly-present
// / user leaf into the kernel page table with PTE_U cleared, so kernel code
// / can dereference it directly without retriggering a fault; a shrunk range
// / simply unmaps the stale shadow entries without freeing (the user page
// / table alone owns the frames).
func (m *Machine) ProcUsermapping(cpu int, p *proc.Proc_t, old, new uintptr) {
	if old >= p.VmaBound && p.VmaBound != 0 {
		old = p.VmaBound
	}
	if new >= p.VmaBound && p.VmaBound != 0 {
		new = p.VmaBound
	}
	if old > hal.PLIC {
		old = hal.PLIC
	}
	if new > hal.PLIC {
		new = hal.PLIC
	}
	if old == new {
		return
	}
	if new > hal.PGROUNDUP(p.Sz) {
		panic("proc_usermapping: past sz")
	}
	c := m.ctx(cpu)
	switch {
	case old > new:
		npages := int((hal.PGROUNDUP(old) - hal.PGROUNDUP(new)) / hal.PGSIZE)
		if npages > 0 {
			c.Uvmunmap(mem.Pa_t(p.KernelPagetable), hal.PGROUNDUP(new), npages, false)
		}
	case new > old:
		for va := hal.PGROUNDUP(old); va < hal.PGROUNDUP(new); va += hal.PGSIZE {
			leaf, ok := c.Walk(mem.Pa_t(p.Pagetable), va, false)
			if !ok {
				continue
			}
			pteVal := c.Get(leaf)
			if pteVal&hal.PTE_V == 0 {
				continue
			}
			perm := (pteVal & hal.PTE_FLAGS) &^ hal.PTE_U
			if !c.Mappages(mem.Pa_t(p.KernelPagetable), va, hal.PGSIZE, hal.PTE2PA(pteVal), perm) {
				panic("proc_usermapping: mappages")
			}
		}
	}
}

// / PageFaultHandler resolves one page fault at va in process p: growth into
// / the lazily-allocated tail of [0,sz), a COW write fault, or a fault inside
// / a mapped VMA. It returns 0 on success; 1 if allocating or demand-loading
// / the page failed, in which case p.Killed is set; and -1, without killing
// / p, if va is the guard page below the user stack or lies outside both
// / [0,sz) and every mapped VMA.
func (m *Machine) PageFaultHandler(cpu int, p *proc.Proc_t, va uintptr) int {
	va = hal.PGROUNDDOWN(va)
	if va == hal.PGROUNDDOWN(p.Ustack-hal.PGSIZE) {
		return -1
	}
	lazyValid := va < p.Sz
	vmaIdx := vma.MmapValid(p, va)
	if !lazyValid && vmaIdx < 0 {
		return -1
	}
	if m.Uvmalloc(cpu, p, mem.Pa_t(p.Pagetable), va, va+hal.PGSIZE) == 0 {
		p.Killed = true
		return 1
	}
	if lazyValid {
		m.ProcUsermapping(cpu, p, va, va+hal.PGSIZE)
		return 0
	}
	c := m.ctx(cpu)
	if err := vma.LoadVma(c, p, va, vmaIdx); err != 0 {
		p.Killed = true
		return 1
	}
	m.ProcUsermapping(cpu, p, va, va+hal.PGSIZE)
	return 0
}

// / CopyOut writes src into process p's address space at dstva, faulting in
// / (lazy growth or COW break) any page it touches that is absent or
// / copy-on-write, and marking every leaf it actually writes through dirty.
func (m *Machine) CopyOut(cpu int, p *proc.Proc_t, pt mem.Pa_t, dstva uintptr, src []byte) defs.Err_t {
	c := m.ctx(cpu)
	for len(src) > 0 {
		va0 := hal.PGROUNDDOWN(dstva)
		pa0, ok := c.Walkaddr(pt, va0)
		leaf, lok := c.Walk(pt, va0, false)
		if !ok || (lok && hal.IsCow(c.Get(leaf))) {
			if m.PageFaultHandler(cpu, p, va0) != 0 {
				return defs.EFAULT
			}
			pa0, ok = c.Walkaddr(pt, va0)
			if !ok {
				return defs.EFAULT
			}
			leaf, lok = c.Walk(pt, va0, false)
			if !lok {
				return defs.EFAULT
			}
		}
		n := uintptr(hal.PGSIZE) - (dstva - va0)
		if n > uintptr(len(src)) {
			n = uintptr(len(src))
		}
		dst := m.Mem.Frame(pa0)[dstva-va0 : dstva-va0+n]
		copy(dst, src[:n])
		c.MarkDirty(leaf)
		src = src[n:]
		dstva = va0 + hal.PGSIZE
	}
	return 0
}

func (m *Machine) copyinFast(cpu int, p *proc.Proc_t, dst []byte, srcva uintptr) defs.Err_t {
	c := m.ctx(cpu)
	for len(dst) > 0 {
		va0 := hal.PGROUNDDOWN(srcva)
		leaf, ok := c.Walk(mem.Pa_t(p.KernelPagetable), va0, false)
		if !ok || c.Get(leaf)&hal.PTE_V == 0 {
			if m.PageFaultHandler(cpu, p, va0) != 0 {
				return defs.EFAULT
			}
			leaf, ok = c.Walk(mem.Pa_t(p.KernelPagetable), va0, false)
			if !ok || c.Get(leaf)&hal.PTE_V == 0 {
				return defs.EFAULT
			}
		}
		pa := mem.Pa_t(hal.PTE2PA(c.Get(leaf)))
		n := uintptr(hal.PGSIZE) - (srcva - va0)
		if n > uintptr(len(dst)) {
			n = uintptr(len(dst))
		}
		copy(dst[:n], m.Mem.Frame(pa)[srcva-va0:srcva-va0+n])
		dst = dst[n:]
		srcva = va0 + hal.PGSIZE
	}
	return 0
}

func (m *Machine) copyinSlow(cpu int, p *proc.Proc_t, pt mem.Pa_t, dst []byte, srcva uintptr) defs.Err_t {
	c := m.ctx(cpu)
	for len(dst) > 0 {
		va0 := hal.PGROUNDDOWN(srcva)
		pa0, ok := c.Walkaddr(pt, va0)
		if !ok {
			if m.PageFaultHandler(cpu, p, va0) != 0 {
				return defs.EFAULT
			}
			pa0, ok = c.Walkaddr(pt, va0)
			if !ok {
				return defs.EFAULT
			}
		}
		n := uintptr(hal.PGSIZE) - (srcva - va0)
		if n > uintptr(len(dst)) {
			n = uintptr(len(dst))
		}
		copy(dst[:n], m.Mem.Frame(pa0)[srcva-va0:srcva-va0+n])
		dst = dst[n:]
		srcva = va0 + hal.PGSIZE
	}
	return 0
}

// / CopyIn reads len(dst) bytes from process p's address space at srcva. A
// / read entirely below PLIC goes through the per-process kernel-pagetable
// / shadow (no walk of the user page table at all); a read that straddles or
// / lies above PLIC falls back to walking the user page table directly for
// / the portion at or above PLIC, matching copyin_new's split in the original
// / source kernel.
func (m *Machine) CopyIn(cpu int, p *proc.Proc_t, pt mem.Pa_t, dst []byte, srcva uintptr) defs.Err_t {
	if srcva < hal.PLIC {
		if srcva+uintptr(len(dst)) <= hal.PLIC {
			return m.copyinFast(cpu, p, dst, srcva)
		}
		splitLen := hal.PLIC - srcva
		if err := m.copyinFast(cpu, p, dst[:splitLen], srcva); err != 0 {
			return err
		}
		dst = dst[splitLen:]
		srcva = hal.PLIC
	}
	return m.copyinSlow(cpu, p, pt, dst, srcva)
}

func (m *Machine) copyinStrFast(cpu int, p *proc.Proc_t, va0 uintptr) (mem.Pa_t, defs.Err_t) {
	c := m.ctx(cpu)
	leaf, ok := c.Walk(mem.Pa_t(p.KernelPagetable), va0, false)
	if !ok || c.Get(leaf)&hal.PTE_V == 0 {
		if m.PageFaultHandler(cpu, p, va0) != 0 {
			return 0, defs.EFAULT
		}
		leaf, ok = c.Walk(mem.Pa_t(p.KernelPagetable), va0, false)
		if !ok || c.Get(leaf)&hal.PTE_V == 0 {
			return 0, defs.EFAULT
		}
	}
	return mem.Pa_t(hal.PTE2PA(c.Get(leaf))), 0
}

func (m *Machine) copyinStrSlow(cpu int, p *proc.Proc_t, pt mem.Pa_t, va0 uintptr) (mem.Pa_t, defs.Err_t) {
	c := m.ctx(cpu)
	pa0, ok := c.Walkaddr(pt, va0)
	if !ok {
		if m.PageFaultHandler(cpu, p, va0) != 0 {
			return 0, defs.EFAULT
		}
		pa0, ok = c.Walkaddr(pt, va0)
		if !ok {
			return 0, defs.EFAULT
		}
	}
	return pa0, 0
}

// / CopyInStr copies a NUL-terminated string of at most max bytes (including
// / the terminator) from process p's address space at srcva into dst,
// / stopping at the first NUL. Each page it touches is resolved through the
// / same fast/slow split CopyIn uses: a page below PLIC is read via the
// / per-process kernel-pagetable shadow with no walk of the user page table,
// / a page at or above PLIC walks pt directly, matching copyinstr's split in
// / the original source kernel. Returns 0 if a terminator was found, EFAULT
// / if a page along the way could not be resolved even after a fault-in
// / attempt, and EFAULT if max bytes were copied without finding one.
func (m *Machine) CopyInStr(cpu int, p *proc.Proc_t, pt mem.Pa_t, dst []byte, srcva uintptr, max int) defs.Err_t {
	if max > len(dst) {
		max = len(dst)
	}
	got := 0
	for got < max {
		va0 := hal.PGROUNDDOWN(srcva)
		var pa0 mem.Pa_t
		var err defs.Err_t
		if va0 < hal.PLIC {
			pa0, err = m.copyinStrFast(cpu, p, va0)
		} else {
			pa0, err = m.copyinStrSlow(cpu, p, pt, va0)
		}
		if err != 0 {
			return err
		}
		n := int(uintptr(hal.PGSIZE) - (srcva - va0))
		if n > max-got {
			n = max - got
		}
		frame := m.Mem.Frame(pa0)[srcva-va0:]
		for i := 0; i < n; i++ {
			if frame[i] == 0 {
				return 0
			}
			dst[got] = frame[i]
			got++
		}
		srcva = va0 + hal.PGSIZE
	}
	return defs.EFAULT
}

// / PrintPageTable dumps every valid entry of a three-level page table,
// / indented by depth, for diagnostics — grounded on the original source's
// / vmprint.
func (m *Machine) PrintPageTable(root mem.Pa_t) {
	fmt.Printf("page table %#x\n", root)
	m.printLevel(root, 2)
}

func (m *Machine) printLevel(pt mem.Pa_t, level int) {
	frame := m.Mem.Frame(pt)
	for i := 0; i < 512; i++ {
		pteVal := uintptr(binary.LittleEndian.Uint64(frame[i*8 : i*8+8]))
		if pteVal&hal.PTE_V == 0 {
			continue
		}
		child := hal.PTE2PA(pteVal)
		indent := strings.Repeat(".. ", 2-level)
		fmt.Printf("%s%d: pte %#x pa %#x\n", indent, i, pteVal, child)
		if level > 0 {
			m.printLevel(mem.Pa_t(child), level-1)
		}
	}
}
