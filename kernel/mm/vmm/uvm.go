package vmm

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

// Mapper is the architecture-neutral view of a page table used by the
// virtual memory area layer.
type Mapper interface {
	Root() uintptr
	MaxVA() uintptr
	Activate()
	MapPages(virtAddr, physAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error
	Unmap(virtAddr, npages uintptr, free bool)
	Lookup(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error)
	Translate(virtAddr uintptr) (uintptr, *kernel.Error)
	WalkAddr(virtAddr uintptr) (uintptr, *kernel.Error)
	Protect(virtAddr uintptr, set, clear PageTableEntryFlag) *kernel.Error
	Remap(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error
	CopyCOW(dst Mapper, start, end uintptr, shared bool) *kernel.Error
	Free()
}

var (
	_ Mapper = (*PageTable[Sv39])(nil)
	_ Mapper = (*PageTable[LA64])(nil)
)

// CopyCOW duplicates the mappings in [start, end) into dst without copying
// any page contents. Every mapped frame gains a reference. Unless shared is
// set, writable pages are downgraded to read-only copy-on-write mappings in
// both tables so the first write from either side triggers a fault.
//
// On failure, the mappings installed in dst are removed again.
func (pt *PageTable[F]) CopyCOW(dst Mapper, start, end uintptr, shared bool) *kernel.Error {
	child, ok := dst.(*PageTable[F])
	if !ok {
		kfmt.Panic(errFormatMismatch)
		return errFormatMismatch
	}

	start, end = mm.PageRoundDown(start), mm.PageRoundUp(end)
	for page := start; page < end; page += mm.PageSize {
		pte, err := pt.Walk(page, false)
		if err != nil {
			continue
		}

		frame, flags := pt.format.DecodeLeaf(*pte)
		if !flags.HasFlags(FlagPresent) {
			continue
		}

		if !shared && flags.HasAnyFlag(FlagRW|FlagCopyOnWrite) {
			flags = (flags &^ FlagRW) | FlagCopyOnWrite
			*pte = pt.format.Leaf(frame, flags)
			flushTLBEntryFn(page)
		}

		if err = child.MapPages(page, frame.Address(), mm.PageSize, flags); err != nil {
			child.Unmap(start, (page-start)>>mm.PageShift, false)
			return err
		}
	}

	return nil
}

// Grow extends a process image from oldSize to newSize bytes, backing the
// new pages with freshly cleared frames mapped with the supplied flags. It
// returns the new size. If any allocation fails, the pages added by this
// call are released and the error is returned.
func (pt *PageTable[F]) Grow(oldSize, newSize uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if newSize < oldSize {
		return oldSize, nil
	}

	for page := mm.PageRoundUp(oldSize); page < newSize; page += mm.PageSize {
		frame, err := pt.pages.AllocFrame()
		if err != nil {
			pt.Shrink(page, oldSize)
			return oldSize, err
		}

		if err = pt.mem.Zero(frame.Address(), mm.PageSize); err == nil {
			err = pt.MapPages(page, frame.Address(), mm.PageSize, flags|FlagRead|FlagUser)
		}

		if err != nil {
			_ = pt.pages.FreeFrame(frame)
			pt.Shrink(page, oldSize)
			return oldSize, err
		}
	}

	return newSize, nil
}

// Shrink releases the pages of a process image between newSize and oldSize
// and returns the new size.
func (pt *PageTable[F]) Shrink(oldSize, newSize uintptr) uintptr {
	if newSize >= oldSize {
		return oldSize
	}

	if from, to := mm.PageRoundUp(newSize), mm.PageRoundUp(oldSize); from < to {
		pt.Unmap(from, (to-from)>>mm.PageShift, true)
	}

	return newSize
}
