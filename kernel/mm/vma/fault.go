package vma

import (
	"io"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
)

// HandleFault resolves a page fault at addr caused by the given access.
//
// A fault on a page that is not yet populated allocates a cleared page,
// fills it from the backing file for file-backed areas and maps it. Pages of
// private areas are mapped copy-on-write unless the fault itself is a
// write. Pages of shared areas are looked up in the backing's page cache so
// every address space mapping the area uses the same frame; they are mapped
// with FlagGlobal. A write fault on
// a copy-on-write page gives the address space its own copy of the page,
// reusing the page in place when no other mapping refers to it.
//
// ErrSegmentationFault is returned when no area covers addr or the area
// does not permit the access.
func (as *AddressSpace) HandleFault(addr uintptr, access Access) *kernel.Error {
	v := as.FindVMA(addr)
	if v == nil || !v.permits(access) {
		return ErrSegmentationFault
	}

	page := mm.PageRoundDown(addr)
	frame, flags, err := as.mapper.Lookup(page)
	switch {
	case err == vmm.ErrInvalidMapping:
		return as.populate(v, page, access)
	case err != nil:
		return err
	case access == AccessWrite && flags.HasFlags(vmm.FlagCopyOnWrite):
		return as.resolveCOW(page, frame, flags)
	case access == AccessWrite && !flags.HasFlags(vmm.FlagRW):
		return ErrSegmentationFault
	case access == AccessWrite && !flags.HasFlags(vmm.FlagDirty):
		return as.mapper.Protect(page, vmm.FlagDirty, 0)
	}

	// The page is already mapped with sufficient permissions; the TLB
	// entry that caused the fault is stale.
	flushTLBEntryFn(page)
	return nil
}

// populate maps the page at addr. Pages of shared areas come from the page
// cache of the area's backing; every other page is freshly allocated and
// filled.
func (as *AddressSpace) populate(v *VMA, page uintptr, access Access) *kernel.Error {
	var (
		frame mm.Frame
		err   *kernel.Error
	)

	if v.Shared() {
		frame, err = v.backing.sharedPage(v.fileOffset(page), func(f mm.Frame) *kernel.Error {
			return as.fill(v, page, f)
		})
	} else {
		frame, err = as.pages.AllocFrame()
		if err == nil {
			if err = as.fill(v, page, frame); err != nil {
				_ = as.pages.FreeFrame(frame)
			}
		}
	}
	if err != nil {
		return err
	}

	flags := v.pageFlags() | vmm.FlagAccessed
	switch {
	case v.Shared():
		flags |= vmm.FlagGlobal
		if access == AccessWrite {
			flags |= vmm.FlagDirty
		}
	case access == AccessWrite:
		// The fresh page has no other sharer so the copy-on-write state
		// is resolved right away.
		flags |= vmm.FlagDirty
	case flags.HasFlags(vmm.FlagRW):
		flags = (flags &^ vmm.FlagRW) | vmm.FlagCopyOnWrite
	}

	if err = as.mapper.MapPages(page, frame.Address(), mm.PageSize, flags); err != nil {
		if !v.Shared() {
			_ = as.pages.FreeFrame(frame)
		}
		return err
	}

	flushTLBEntryFn(page)
	return nil
}

// fill clears the frame and, for file-backed areas, reads the page contents
// from the file.
func (as *AddressSpace) fill(v *VMA, page uintptr, frame mm.Frame) *kernel.Error {
	data, err := as.mem.Page(frame.Address())
	if err != nil {
		return err
	}

	if err = as.mem.Zero(frame.Address(), mm.PageSize); err != nil {
		return err
	}

	if v.File() == nil {
		return nil
	}

	if _, rerr := v.backing.file.ReadAt(data, v.fileOffset(page)); rerr != nil && rerr != io.EOF {
		kfmt.Logger("vma").WithError(rerr).Errorf("unable to fill page 0x%x", page)
		return errFill
	}

	return nil
}

// resolveCOW gives the faulting address space a private writable copy of a
// copy-on-write page.
func (as *AddressSpace) resolveCOW(page uintptr, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	newFlags := (flags &^ vmm.FlagCopyOnWrite) | vmm.FlagRW | vmm.FlagDirty

	if desc := as.frames.Lookup(frame); desc != nil && desc.Refcount() == 1 {
		return as.mapper.Protect(page, vmm.FlagRW|vmm.FlagDirty, vmm.FlagCopyOnWrite)
	}

	copyFrame, err := as.pages.AllocFrame()
	if err != nil {
		return err
	}

	if err = as.mem.Copy(copyFrame.Address(), frame.Address(), mm.PageSize); err != nil {
		_ = as.pages.FreeFrame(copyFrame)
		return err
	}

	return as.mapper.Remap(page, copyFrame, newFlags)
}
