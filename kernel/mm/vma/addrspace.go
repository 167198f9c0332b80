package vma

import (
	"github.com/google/btree"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/cpu"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/physmem"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
)

const (
	// DefaultMmapBase is the lowest address considered when placing
	// areas without MapFixed.
	DefaultMmapBase = uintptr(0x10000000)

	// reservedTopPages are kept free below the top of the user address
	// space for the trampoline and trap frame pages.
	reservedTopPages = 2

	btreeDegree = 8
)

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry
)

// AddressSpace is the set of areas of a single process together with the
// page table that translates them. An AddressSpace is owned by its process
// and is not safe for concurrent use.
type AddressSpace struct {
	mapper vmm.Mapper
	mem    *physmem.Memory
	pages  mm.FrameAllocator
	frames *pfn.Tracker

	// vmas holds the non-overlapping areas ordered by start address.
	vmas *btree.BTreeG[*VMA]

	mmapBase uintptr
}

// New returns an empty address space using mapper for translations. Pages
// populated on fault are obtained from pages.
func New(mapper vmm.Mapper, mem *physmem.Memory, pages mm.FrameAllocator, frames *pfn.Tracker) *AddressSpace {
	return &AddressSpace{
		mapper:   mapper,
		mem:      mem,
		pages:    pages,
		frames:   frames,
		vmas:     btree.NewG[*VMA](btreeDegree, less),
		mmapBase: DefaultMmapBase,
	}
}

// Mapper returns the page table of the address space.
func (as *AddressSpace) Mapper() vmm.Mapper { return as.mapper }

// Len returns the number of areas.
func (as *AddressSpace) Len() int { return as.vmas.Len() }

// VMAs returns a snapshot of the areas in address order.
func (as *AddressSpace) VMAs() []VMA {
	list := make([]VMA, 0, as.vmas.Len())
	as.vmas.Ascend(func(v *VMA) bool {
		list = append(list, *v)
		return true
	})
	return list
}

// FindVMA returns the area containing addr or nil if there is none.
func (as *AddressSpace) FindVMA(addr uintptr) *VMA {
	var found *VMA
	as.vmas.DescendLessOrEqual(&VMA{Start: addr}, func(v *VMA) bool {
		if v.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// mmapTop returns one past the highest address available to areas.
func (as *AddressSpace) mmapTop() uintptr {
	return as.mapper.MaxVA() - reservedTopPages*mm.PageSize
}

// Mmap creates a new area of length bytes and returns its start address.
// Exactly one of MapShared or MapPrivate must be set. Unless MapAnonymous is
// set, the area is backed by file starting at the page-aligned offset.
//
// With MapFixed the area is placed at the page-aligned addr and any
// existing mappings in its range are removed first. Otherwise the lowest
// free range at or above the mmap base is used. No physical memory is
// allocated until the pages are accessed.
func (as *AddressSpace) Mmap(addr, length uintptr, prot Prot, flags MapFlag, file File, offset int64) (uintptr, *kernel.Error) {
	shared, private := flags&MapShared != 0, flags&MapPrivate != 0
	anonymous := flags&MapAnonymous != 0

	switch {
	case length == 0, shared == private:
		return 0, ErrInvalidArgument
	case anonymous != (file == nil):
		return 0, ErrInvalidArgument
	case offset < 0 || !mm.PageAligned(uintptr(offset)):
		return 0, ErrInvalidArgument
	}

	length = mm.PageRoundUp(length)
	if length == 0 || length > as.mmapTop() {
		return 0, ErrNoSpace
	}

	if flags&MapFixed != 0 {
		if !mm.PageAligned(addr) || addr+length > as.mmapTop() || addr+length < addr {
			return 0, ErrInvalidArgument
		}

		if err := as.Munmap(addr, length); err != nil {
			return 0, err
		}
	} else {
		var ok bool
		if addr, ok = as.findGap(length); !ok {
			return 0, ErrNoSpace
		}
	}

	v := &VMA{
		Start: addr,
		End:   addr + length,
		Prot:  prot,
		Flags: flags &^ MapFixed,
	}
	switch {
	case !anonymous:
		v.Offset = offset
		v.backing = newBacking(file, as.pages, as.frames)
	case shared:
		// Shared anonymous memory still needs a common object so that
		// forked address spaces resolve to the same pages.
		v.backing = newBacking(nil, as.pages, as.frames)
	}

	as.vmas.ReplaceOrInsert(v)
	kfmt.Logger("vma").Debugf("mmap [0x%x - 0x%x] prot %03b flags %04b", v.Start, v.End, v.Prot, v.Flags)
	return addr, nil
}

// findGap returns the lowest free range of length bytes at or above the mmap
// base.
func (as *AddressSpace) findGap(length uintptr) (uintptr, bool) {
	candidate := as.mmapBase

	as.vmas.Ascend(func(v *VMA) bool {
		if v.End <= candidate {
			return true
		}

		if v.Start >= candidate+length {
			return false
		}

		candidate = v.End
		return true
	})

	if candidate+length > as.mmapTop() || candidate+length < candidate {
		return 0, false
	}
	return candidate, true
}

// overlapping returns the areas intersecting [start, end) in address order.
func (as *AddressSpace) overlapping(start, end uintptr) []*VMA {
	var list []*VMA

	if v := as.FindVMA(start); v != nil {
		list = append(list, v)
	}

	as.vmas.AscendRange(&VMA{Start: start}, &VMA{Start: end}, func(v *VMA) bool {
		if len(list) == 0 || list[0] != v {
			list = append(list, v)
		}
		return true
	})

	return list
}

// Munmap removes the mappings in [addr, addr+length). Areas that straddle
// the range are trimmed or split. Dirty pages of shared file-backed areas
// are written back to the file before they are released. A write-back
// failure is reported after the whole range has been unmapped.
func (as *AddressSpace) Munmap(addr, length uintptr) *kernel.Error {
	if !mm.PageAligned(addr) || length == 0 {
		return ErrInvalidArgument
	}

	end := addr + mm.PageRoundUp(length)
	if end < addr {
		return ErrInvalidArgument
	}

	var retErr *kernel.Error
	for _, v := range as.overlapping(addr, end) {
		lo, hi := v.Start, v.End
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}

		if err := as.writeback(v, lo, hi); err != nil {
			retErr = err
		}
		as.mapper.Unmap(lo, (hi-lo)>>mm.PageShift, true)

		switch {
		case lo == v.Start && hi == v.End:
			as.vmas.Delete(v)
			v.backing.release()
		case lo == v.Start:
			as.vmas.Delete(v)
			v.Offset = v.fileOffset(hi)
			v.Start = hi
			as.vmas.ReplaceOrInsert(v)
		case hi == v.End:
			v.End = lo
		default:
			upper := &VMA{
				Start:   hi,
				End:     v.End,
				Prot:    v.Prot,
				Flags:   v.Flags,
				Offset:  v.fileOffset(hi),
				backing: v.backing.acquire(),
			}
			v.End = lo
			as.vmas.ReplaceOrInsert(upper)
		}
	}

	return retErr
}

// writeback writes the dirty pages of a shared file-backed area in [lo, hi)
// to the backing file.
func (as *AddressSpace) writeback(v *VMA, lo, hi uintptr) *kernel.Error {
	if !v.Shared() || v.File() == nil || v.Prot&ProtWrite == 0 {
		return nil
	}

	var retErr *kernel.Error
	for page := lo; page < hi; page += mm.PageSize {
		frame, flags, err := as.mapper.Lookup(page)
		if err != nil || !flags.HasFlags(vmm.FlagDirty) {
			continue
		}

		data, err := as.mem.Page(frame.Address())
		if err != nil {
			retErr = err
			continue
		}

		if _, werr := v.backing.file.WriteAt(data, v.fileOffset(page)); werr != nil {
			kfmt.Logger("vma").WithError(werr).Errorf("write-back of page 0x%x failed", page)
			retErr = errWriteback
			continue
		}

		_ = as.mapper.Protect(page, 0, vmm.FlagDirty)
	}

	return retErr
}

// Fork copies every area into child and shares their populated pages.
// Private pages become copy-on-write in both address spaces; shared pages
// stay writable in both.
func (as *AddressSpace) Fork(child *AddressSpace) *kernel.Error {
	var err *kernel.Error

	as.vmas.Ascend(func(v *VMA) bool {
		clone := *v
		clone.backing = v.backing.acquire()
		child.vmas.ReplaceOrInsert(&clone)

		err = as.mapper.CopyCOW(child.mapper, v.Start, v.End, v.Shared())
		return err == nil
	})

	child.mmapBase = as.mmapBase
	return err
}

// Release unmaps every area, writing back dirty shared file pages, and frees
// the page table. The address space must not be used afterwards.
func (as *AddressSpace) Release() *kernel.Error {
	var retErr *kernel.Error

	as.vmas.Ascend(func(v *VMA) bool {
		if err := as.writeback(v, v.Start, v.End); err != nil {
			retErr = err
		}
		as.mapper.Unmap(v.Start, v.Pages(), true)
		v.backing.release()
		return true
	})

	as.vmas.Clear(false)
	as.mapper.Free()
	return retErr
}
