// Package cpu exposes the per-hart operations the memory subsystem needs:
// TLB maintenance and switching the active page table root.
//
// The hosted kernel has no MMU to program, so the hart state is recorded in
// memory where tools and tests can inspect it.
package cpu

import "sync/atomic"

var (
	// activeRoot holds the physical address of the root page table that
	// satp (RISC-V) or PGDL (LoongArch) would point to.
	activeRoot atomic.Uintptr

	entryFlushes atomic.Uint64
	fullFlushes  atomic.Uint64
)

// FlushTLBEntry invalidates the TLB entry for a particular virtual address on
// the current hart (sfence.vma va / invtlb 0x5).
func FlushTLBEntry(virtAddr uintptr) {
	entryFlushes.Add(1)
}

// FlushTLB invalidates every non-global TLB entry on the current hart.
func FlushTLB() {
	fullFlushes.Add(1)
}

// SwitchPageTable sets the root page table to the specified physical address
// and flushes the TLB.
func SwitchPageTable(rootPhysAddr uintptr) {
	activeRoot.Store(rootPhysAddr)
	FlushTLB()
}

// ActivePageTable returns the physical address of the currently active root
// page table.
func ActivePageTable() uintptr {
	return activeRoot.Load()
}

// TLBFlushes returns the number of single-entry and full TLB flushes issued
// so far.
func TLBFlushes() (entries, full uint64) {
	return entryFlushes.Load(), fullFlushes.Load()
}
