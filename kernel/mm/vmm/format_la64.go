package vmm

import "github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"

// LA64 entry bits. P and W are software bits; readability and executability
// are expressed through the inverted NR and NX bits.
const (
	la64Valid  = uint64(1) << 0
	la64Dirty  = uint64(1) << 1
	la64PLV3   = uint64(3) << 2
	la64MATCC  = uint64(1) << 4
	la64Global = uint64(1) << 6
	la64P      = uint64(1) << 7
	la64W      = uint64(1) << 8
	la64COW    = uint64(1) << 9
	la64NR     = uint64(1) << 61
	la64NX     = uint64(1) << 62

	la64PPNMask = uint64(0xfffffffff000)

	// la64DMWBase is the cached direct-mapped window the kernel uses to
	// reach physical memory without going through the page tables.
	la64DMWBase = uint64(0x9000000000000000)
	la64DMWMask = uint64(0xf000000000000000)
)

// LA64 is the four-level LoongArch page table format. Directory entries
// hold the physical address of the next table and the kernel reaches
// physical memory through a direct-mapped window.
type LA64 struct{}

// Name implements Format.
func (LA64) Name() string { return "la64" }

// Levels implements Format.
func (LA64) Levels() int { return 4 }

// LevelShift implements Format.
func (LA64) LevelShift(level int) uint {
	return uint(mm.PageShift) + uint(levelBits*(3-level))
}

// Leaf implements Format.
func (LA64) Leaf(frame mm.Frame, flags PageTableEntryFlag) uint64 {
	entry := uint64(frame.Address())&la64PPNMask | la64Valid | la64P | la64MATCC

	if flags&FlagUser != 0 {
		entry |= la64PLV3
	}
	if flags&FlagGlobal != 0 {
		entry |= la64Global
	}
	if flags&FlagRW != 0 {
		entry |= la64W
	}
	if flags&FlagDirty != 0 {
		entry |= la64Dirty
	}
	if flags&FlagCopyOnWrite != 0 {
		entry |= la64COW
	}
	if flags&(FlagRead|FlagRW) == 0 {
		entry |= la64NR
	}
	if flags&FlagExec == 0 {
		entry |= la64NX
	}
	return entry
}

// DecodeLeaf implements Format. The format has no accessed bit so
// FlagAccessed is never reported.
func (LA64) DecodeLeaf(entry uint64) (mm.Frame, PageTableEntryFlag) {
	if entry&la64Valid == 0 {
		return mm.InvalidFrame, 0
	}

	flags := FlagPresent
	if entry&la64PLV3 == la64PLV3 {
		flags |= FlagUser
	}
	if entry&la64Global != 0 {
		flags |= FlagGlobal
	}
	if entry&la64W != 0 {
		flags |= FlagRW
	}
	if entry&la64Dirty != 0 {
		flags |= FlagDirty
	}
	if entry&la64COW != 0 {
		flags |= FlagCopyOnWrite
	}
	if entry&la64NR == 0 {
		flags |= FlagRead
	}
	if entry&la64NX == 0 {
		flags |= FlagExec
	}
	return mm.FrameFromAddress(uintptr(entry & la64PPNMask)), flags
}

// Table implements Format.
func (LA64) Table(frame mm.Frame) uint64 {
	return uint64(frame.Address()) & la64PPNMask
}

// DecodeTable implements Format.
func (LA64) DecodeTable(entry uint64) (mm.Frame, bool) {
	if entry == 0 {
		return mm.InvalidFrame, false
	}
	return mm.FrameFromAddress(uintptr(entry & la64PPNMask)), true
}

// PhysToVirt implements Format.
func (LA64) PhysToVirt(physAddr uintptr) uintptr {
	return uintptr(uint64(physAddr) | la64DMWBase)
}

// VirtToPhys implements Format.
func (LA64) VirtToPhys(virtAddr uintptr) uintptr {
	return uintptr(uint64(virtAddr) &^ la64DMWMask)
}
