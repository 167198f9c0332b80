package vmm

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

// MapPages establishes mappings for the virtual range [virtAddr,
// virtAddr+size) to the physical range starting at physAddr. The range is
// extended to whole pages. Every mapped frame that is tracked by the frame
// tracker gets its reference count incremented.
//
// If a table allocation fails, every page installed by this call is unmapped
// again and the allocation error is returned. Intermediate tables allocated
// before the failure stay linked into the hierarchy and are reused by later
// mappings; Free reclaims them. Mapping zero bytes or
// re-mapping a page that is already mapped triggers a kernel panic.
func (pt *PageTable[F]) MapPages(virtAddr, physAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	return pt.mapRange(virtAddr, physAddr, size, flags, true)
}

// IdentityMapRegion maps the physical range [physAddr, physAddr+size) to the
// same virtual addresses. The mapped frames are not reference-counted since
// the kernel's view of physical memory does not own them.
func (pt *PageTable[F]) IdentityMapRegion(physAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	return pt.mapRange(physAddr, physAddr, size, flags, false)
}

func (pt *PageTable[F]) mapRange(virtAddr, physAddr, size uintptr, flags PageTableEntryFlag, refcount bool) *kernel.Error {
	if size == 0 {
		kfmt.Panic(errZeroSize)
		return errZeroSize
	}

	var (
		start = mm.PageRoundDown(virtAddr)
		last  = mm.PageRoundDown(virtAddr + size - 1)
		frame = mm.FrameFromAddress(physAddr)
	)

	for page := start; ; page, frame = page+mm.PageSize, frame+1 {
		pte, err := pt.Walk(page, true)
		if err != nil {
			pt.unmapRange(start, page, refcount)
			return err
		}

		if _, cur := pt.format.DecodeLeaf(*pte); cur.HasFlags(FlagPresent) {
			kfmt.Panic(errRemap)
			return errRemap
		}

		*pte = pt.format.Leaf(frame, flags|FlagPresent)
		if refcount {
			if desc := pt.frames.Lookup(frame); desc != nil {
				desc.IncRef()
			}
		}

		if page == last {
			return nil
		}
	}
}

// unmapRange clears the leaf entries in [start, end) installed by an
// aborted mapRange call.
func (pt *PageTable[F]) unmapRange(start, end uintptr, refcount bool) {
	for page := start; page < end; page += mm.PageSize {
		pte, err := pt.Walk(page, false)
		if err != nil {
			continue
		}

		frame, _ := pt.format.DecodeLeaf(*pte)
		*pte = 0
		flushTLBEntryFn(page)
		if refcount {
			if desc := pt.frames.Lookup(frame); desc != nil {
				desc.DecRef()
			}
		}
	}
}

// Unmap removes npages mappings starting at the page-aligned address
// virtAddr. Pages that are not mapped are skipped. The reference count of
// every unmapped tracked frame is decremented; if free is true, frames whose
// reference count reaches zero are returned to the frame allocator.
func (pt *PageTable[F]) Unmap(virtAddr, npages uintptr, free bool) {
	if !mm.PageAligned(virtAddr) {
		kfmt.Panic(errMisaligned)
		return
	}

	for page := virtAddr; npages > 0; page, npages = page+mm.PageSize, npages-1 {
		pte, err := pt.Walk(page, false)
		if err != nil {
			continue
		}

		frame, flags := pt.format.DecodeLeaf(*pte)
		if !flags.HasFlags(FlagPresent) {
			continue
		}

		*pte = 0
		flushTLBEntryFn(page)
		pt.release(frame, free)
	}
}

// release drops a mapping reference to frame and optionally frees it once no
// mapping remains.
func (pt *PageTable[F]) release(frame mm.Frame, free bool) {
	desc := pt.frames.Lookup(frame)
	if desc == nil {
		return
	}

	if desc.DecRef() == 0 && free {
		_ = pt.pages.FreeFrame(frame)
	}
}

// Lookup returns the frame and flags of the leaf entry for virtAddr or
// ErrInvalidMapping if the address is not mapped.
func (pt *PageTable[F]) Lookup(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	if virtAddr >= pt.MaxVA() {
		return mm.InvalidFrame, 0, ErrInvalidMapping
	}

	pte, err := pt.Walk(virtAddr, false)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	frame, flags := pt.format.DecodeLeaf(*pte)
	if !flags.HasFlags(FlagPresent) {
		return mm.InvalidFrame, 0, ErrInvalidMapping
	}
	return frame, flags, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable[F]) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, _, err := pt.Lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// WalkAddr behaves like Translate but only resolves mappings that are
// accessible from user mode.
func (pt *PageTable[F]) WalkAddr(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, flags, err := pt.Lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	if !flags.HasFlags(FlagUser) {
		return 0, ErrInvalidMapping
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// Protect sets and then clears the supplied flags on the existing leaf
// entry for virtAddr and flushes its TLB entry.
func (pt *PageTable[F]) Protect(virtAddr uintptr, set, clear PageTableEntryFlag) *kernel.Error {
	pte, err := pt.Walk(mm.PageRoundDown(virtAddr), false)
	if err != nil {
		return err
	}

	frame, flags := pt.format.DecodeLeaf(*pte)
	if !flags.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	*pte = pt.format.Leaf(frame, (flags|set)&^clear)
	flushTLBEntryFn(mm.PageRoundDown(virtAddr))
	return nil
}

// Remap points the existing leaf entry for virtAddr to frame using the
// supplied flags. The new frame gains a reference and the old frame loses
// one; the old frame is freed if no other mapping refers to it.
func (pt *PageTable[F]) Remap(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	page := mm.PageRoundDown(virtAddr)
	pte, err := pt.Walk(page, false)
	if err != nil {
		return err
	}

	oldFrame, oldFlags := pt.format.DecodeLeaf(*pte)
	if !oldFlags.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	if desc := pt.frames.Lookup(frame); desc != nil {
		desc.IncRef()
	}

	*pte = pt.format.Leaf(frame, flags|FlagPresent)
	flushTLBEntryFn(page)
	pt.release(oldFrame, true)
	return nil
}
