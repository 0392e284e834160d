// Package hal names the hardware-abstraction-layer constants and encoding
// helpers a Sv39 RISC-V kernel core is built against: page geometry, PTE bit
// layout, and the fixed virtual-address landmarks (PLIC, TRAMPOLINE,
// TRAPFRAME, per-hart kernel stacks) that the page-table engine and the
// address-space manager both need. Nothing here touches real hardware —
// w_satp/sfence_vma are recorded, not executed, so the core can be driven
// from ordinary Go tests.
package hal

import "rv6/util"

// / PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// / PGSIZE is the size in bytes of a physical frame and a page-table leaf.
const PGSIZE = 1 << PGSHIFT

// / PTE_V marks a page-table entry as valid (present).
const PTE_V = 1 << 0

// / PTE_R grants read permission on a leaf.
const PTE_R = 1 << 1

// / PTE_W grants write permission on a leaf.
const PTE_W = 1 << 2

// / PTE_X grants execute permission on a leaf.
const PTE_X = 1 << 3

// / PTE_U marks a leaf accessible from user mode.
const PTE_U = 1 << 4

// / PTE_C is a software bit: the leaf is a copy-on-write mapping whose
// / original write permission is recorded by COW_FLAGS/COW_WFLAGS.
const PTE_C = 1 << 8

// / PTE_D is a software bit: the leaf has been written since it was last
// / loaded from (or written back to) its backing file. Set by vm.CopyOut
// / whenever it actually deposits bytes into a leaf; real hardware would set
// / this on any store, but nothing here executes user instructions directly.
const PTE_D = 1 << 9

// / PTE_FLAGS isolates the low 10 bits of a PTE: V/R/W/X/U/G/A/D plus the two
// / reserved-for-software bits this core repurposes as C and D.
const PTE_FLAGS = 0x3ff

// / MAXVA is one bit short of the largest Sv39 virtual address representable
// / with a valid sign extension, matching the source kernel.
const MAXVA = 1 << (9 + 9 + 9 + PGSHIFT - 1)

// / PLIC is the platform-level interrupt controller's MMIO base. Addresses
// / below PLIC are shadowed U-cleared into every per-process kernel page
// / table so kernel code can dereference user pointers directly.
const PLIC = 0x0c000000

// / PLICSIZE is the span of the PLIC MMIO window mapped into every page table.
const PLICSIZE = 0x400000

// / TRAMPOLINE is the highest page in every address space, mapping the single
// / trap entry/exit code page shared by all processes.
const TRAMPOLINE = MAXVA - PGSIZE

// / TRAPFRAME sits one page below TRAMPOLINE and holds the trapframe; it is
// / also the upper bound of the VMA region, which grows down from here.
const TRAPFRAME = TRAMPOLINE - PGSIZE

// / KSTACK returns the virtual address of hart i's kernel stack, each
// / separated by a guard page.
func KSTACK(i int) uintptr {
	return TRAMPOLINE - uintptr(i+1)*2*PGSIZE
}

// / PGROUNDUP rounds va up to the next page boundary.
func PGROUNDUP(va uintptr) uintptr {
	return util.Roundup(va, uintptr(PGSIZE))
}

// / PGROUNDDOWN rounds va down to the enclosing page boundary.
func PGROUNDDOWN(va uintptr) uintptr {
	return util.Rounddown(va, uintptr(PGSIZE))
}

// / PX extracts the 9-bit page-table index for the given level (0 = leaf
// / level, 2 = root level) out of a virtual address.
func PX(level int, va uintptr) uintptr {
	shift := uintptr(PGSHIFT + 9*level)
	return (va >> shift) & 0x1ff
}

// / PA2PTE packs a page-aligned physical address into the PPN field of a PTE.
func PA2PTE(pa uintptr) uintptr {
	return (pa >> PGSHIFT) << 10
}

// / PTE2PA extracts the physical address encoded in a PTE's PPN field.
func PTE2PA(pte uintptr) uintptr {
	return (pte >> 10) << PGSHIFT
}

// / COW_FLAGS derives the COW-mapping flags from a leaf's original flags:
// / write permission is dropped and the software C bit is set so a later
// / write faults into uvmalloc's copy-on-write path.
func COW_FLAGS(flags uintptr) uintptr {
	return (flags &^ PTE_W) | PTE_C
}

// / COW_WFLAGS restores full write permission and clears the COW marker —
// / the flags a fresh, sole-owned copy of a COW page is mapped with.
func COW_WFLAGS(flags uintptr) uintptr {
	return (flags &^ PTE_C) | PTE_W
}

// / IsCow reports whether a leaf's flags carry the copy-on-write marker.
func IsCow(flags uintptr) bool {
	return flags&PTE_C != 0
}

// / W_satp and Sfence_vma model the two RISC-V instructions the address-space
// / manager must issue around a page-table switch. A real kernel executes
// / these; here they are recorded so tests can assert on TLB-maintenance
// / ordering: installing satp then a full fence.
type Hart struct {
	Satp       uintptr
	FenceCount int
}

// / W_satp records the value that would be written to the satp CSR.
func (h *Hart) W_satp(pagetablePa uintptr) {
	h.Satp = pagetablePa
}

// / Sfence_vma records a full TLB fence.
func (h *Hart) Sfence_vma() {
	h.FenceCount++
}
