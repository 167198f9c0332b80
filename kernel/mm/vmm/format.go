// Package vmm implements the hierarchical page tables used for virtual to
// physical address translation.
//
// The table walking and mapping logic is shared by every architecture. The
// bit layout of the table entries, the number of table levels and the
// kernel's direct physical memory window are described by a Format which is
// fixed at compile time through the PageTable type parameter.
package vmm

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

const (
	// levelBits is the number of virtual address bits that index a table at
	// each level. Every table holds 512 entries.
	levelBits = 9

	levelMask = (1 << levelBits) - 1
)

// Format describes the page table layout of a particular MMU.
type Format interface {
	// Name returns a short identifier for the format.
	Name() string

	// Levels returns the number of table levels.
	Levels() int

	// LevelShift returns the virtual address shift for the table index at
	// the given level. Level 0 is the root table.
	LevelShift(level int) uint

	// Leaf encodes a valid leaf entry for frame with the given flags.
	Leaf(frame mm.Frame, flags PageTableEntryFlag) uint64

	// DecodeLeaf returns the frame and flags stored in a leaf entry. The
	// returned flags include FlagPresent when the entry is valid.
	DecodeLeaf(entry uint64) (mm.Frame, PageTableEntryFlag)

	// Table encodes an entry pointing to the next-level table at frame.
	Table(frame mm.Frame) uint64

	// DecodeTable returns the next-level table frame stored in a non-leaf
	// entry and whether the entry is valid.
	DecodeTable(entry uint64) (mm.Frame, bool)

	// PhysToVirt returns the kernel virtual address for a physical address.
	PhysToVirt(physAddr uintptr) uintptr

	// VirtToPhys returns the physical address for a kernel virtual address.
	VirtToPhys(virtAddr uintptr) uintptr
}

// maxVirtAddr returns one past the highest lower-half virtual address that a
// format can translate.
func maxVirtAddr(f Format) uintptr {
	return uintptr(1) << (f.LevelShift(0) + levelBits - 1)
}

// tableIndex returns the index of the entry for virtAddr in the table at the
// given level.
func tableIndex(f Format, level int, virtAddr uintptr) int {
	return int((virtAddr >> f.LevelShift(level)) & levelMask)
}
