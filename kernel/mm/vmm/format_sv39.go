package vmm

import "github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"

// Sv39 entry bits.
const (
	sv39Valid    = uint64(1) << 0
	sv39Read     = uint64(1) << 1
	sv39Write    = uint64(1) << 2
	sv39Exec     = uint64(1) << 3
	sv39User     = uint64(1) << 4
	sv39Global   = uint64(1) << 5
	sv39Accessed = uint64(1) << 6
	sv39Dirty    = uint64(1) << 7

	// sv39COW is one of the two RSW bits reserved for software use.
	sv39COW = uint64(1) << 8

	sv39PPNShift = 10
	sv39PPNMask  = (uint64(1) << 44) - 1
)

var sv39FlagBits = [...]struct {
	flag PageTableEntryFlag
	bit  uint64
}{
	{FlagRead, sv39Read},
	{FlagRW, sv39Write},
	{FlagExec, sv39Exec},
	{FlagUser, sv39User},
	{FlagGlobal, sv39Global},
	{FlagAccessed, sv39Accessed},
	{FlagDirty, sv39Dirty},
	{FlagCopyOnWrite, sv39COW},
}

// Sv39 is the three-level RISC-V page table format. The kernel accesses
// physical memory through an identity mapping.
type Sv39 struct{}

// Name implements Format.
func (Sv39) Name() string { return "sv39" }

// Levels implements Format.
func (Sv39) Levels() int { return 3 }

// LevelShift implements Format.
func (Sv39) LevelShift(level int) uint {
	return uint(mm.PageShift) + uint(levelBits*(2-level))
}

// Leaf implements Format. Writable pages are always readable since the
// W-without-R encoding is reserved, and an entry without any of R, W or X
// would point to a table so such leaves are made readable.
func (Sv39) Leaf(frame mm.Frame, flags PageTableEntryFlag) uint64 {
	entry := (uint64(frame)&sv39PPNMask)<<sv39PPNShift | sv39Valid
	for _, fb := range sv39FlagBits {
		if flags&fb.flag != 0 {
			entry |= fb.bit
		}
	}

	if entry&sv39Write != 0 || entry&(sv39Read|sv39Write|sv39Exec) == 0 {
		entry |= sv39Read
	}
	return entry
}

// DecodeLeaf implements Format.
func (Sv39) DecodeLeaf(entry uint64) (mm.Frame, PageTableEntryFlag) {
	if entry&sv39Valid == 0 {
		return mm.InvalidFrame, 0
	}

	flags := FlagPresent
	for _, fb := range sv39FlagBits {
		if entry&fb.bit != 0 {
			flags |= fb.flag
		}
	}
	return mm.Frame((entry >> sv39PPNShift) & sv39PPNMask), flags
}

// Table implements Format.
func (Sv39) Table(frame mm.Frame) uint64 {
	return (uint64(frame)&sv39PPNMask)<<sv39PPNShift | sv39Valid
}

// DecodeTable implements Format.
func (Sv39) DecodeTable(entry uint64) (mm.Frame, bool) {
	if entry&sv39Valid == 0 {
		return mm.InvalidFrame, false
	}
	return mm.Frame((entry >> sv39PPNShift) & sv39PPNMask), true
}

// PhysToVirt implements Format.
func (Sv39) PhysToVirt(physAddr uintptr) uintptr { return physAddr }

// VirtToPhys implements Format.
func (Sv39) VirtToPhys(virtAddr uintptr) uintptr { return virtAddr }
