// Package pmm implements the physical page allocator.
package pmm

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free block of a sufficient order
	// is available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBadRange      = &kernel.Error{Module: "pmm", Message: "allocator range is empty or not tracked"}
	errZeroSize      = &kernel.Error{Module: "pmm", Message: "zero-sized allocation"}
	errUnmanaged     = &kernel.Error{Module: "pmm", Message: "address is not managed by the allocator"}
	errMisaligned    = &kernel.Error{Module: "pmm", Message: "address is not aligned to its block order"}
	errDoubleFree    = &kernel.Error{Module: "pmm", Message: "block is already free"}
	errNotBlockHead  = &kernel.Error{Module: "pmm", Message: "address is not the start of an allocated block"}
	errOrderMismatch = &kernel.Error{Module: "pmm", Message: "free order does not match the allocated block order"}
	errPageInUse     = &kernel.Error{Module: "pmm", Message: "block is still referenced"}
)

// freeList is a doubly-linked list of free blocks that share the same order.
// The links are stored in the frame tracker descriptors of each block's
// first frame.
type freeList struct {
	head  int32
	count uint32
}

// BuddyAllocator implements a binary buddy allocator over a contiguous range
// of physical memory. Blocks of order N span (PageSize << N) bytes and are
// always aligned to their own size.
type BuddyAllocator struct {
	mutex sync.Spinlock

	frames *pfn.Tracker

	// start and end delimit the managed physical range.
	start, end uintptr

	freeArea [mm.MaxPageOrder]freeList

	totalPages uint32
	freePages  uint32
}

// Init hands the page-aligned portion of [start, end) to the allocator,
// carving it into the largest naturally aligned blocks that fit. Frames
// tracked by frames but falling outside the range are flagged as reserved.
func (alloc *BuddyAllocator) Init(frames *pfn.Tracker, start, end uintptr) *kernel.Error {
	start, end = mm.PageRoundUp(start), mm.PageRoundDown(end)
	if frames == nil || start >= end || start < frames.Start() || end > frames.End() {
		return errBadRange
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.frames = frames
	alloc.start, alloc.end = start, end
	alloc.totalPages = uint32((end - start) >> mm.PageShift)
	alloc.freePages = 0
	for ord := range alloc.freeArea {
		alloc.freeArea[ord] = freeList{head: pfn.NoLink}
	}

	for idx := int32(0); idx < int32(frames.Len()); idx++ {
		desc := frames.At(idx)
		desc.Reset()
		if addr := frames.Frame(idx).Address(); addr < start || addr >= end {
			desc.SetFlags(pfn.FlagReserved)
		}
	}

	for addr := start; addr < end; {
		ord := mm.MaxPageOrder - 1
		for ; ord > 0; ord-- {
			if addr&(ord.Size()-1) == 0 && addr+ord.Size() <= end {
				break
			}
		}

		alloc.pushFree(addr, ord)
		alloc.freePages += ord.Pages()
		addr += ord.Size()
	}

	kfmt.Logger("pmm").Infof("buddy allocator managing [0x%x - 0x%x], %d pages", start, end, alloc.totalPages)
	return nil
}

// Alloc reserves a block large enough to hold size bytes and returns its
// physical address. The block order is the smallest order whose block size
// is at least size.
func (alloc *BuddyAllocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		kfmt.Panic(errZeroSize)
		return 0, errZeroSize
	}

	order := mm.Size(size).Order()
	if order >= mm.MaxPageOrder {
		return 0, ErrOutOfMemory
	}

	return alloc.AllocOrder(order)
}

// AllocOrder reserves a block of (PageSize << order) bytes and returns its
// physical address. When no block of the requested order is free, the
// smallest larger free block is split repeatedly; the high half of each
// split is returned to the free lists and the low half is kept.
func (alloc *BuddyAllocator) AllocOrder(order mm.PageOrder) (uintptr, *kernel.Error) {
	if order >= mm.MaxPageOrder {
		return 0, ErrOutOfMemory
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	curOrder := order
	for ; curOrder < mm.MaxPageOrder; curOrder++ {
		if alloc.freeArea[curOrder].head != pfn.NoLink {
			break
		}
	}

	if curOrder == mm.MaxPageOrder {
		return 0, ErrOutOfMemory
	}

	idx := alloc.freeArea[curOrder].head
	alloc.unlink(idx, curOrder)
	addr := alloc.frames.Frame(idx).Address()

	for curOrder > order {
		curOrder--
		alloc.pushFree(addr+curOrder.Size(), curOrder)
	}

	desc := alloc.frames.At(idx)
	desc.Reset()
	desc.SetOrder(order)
	desc.SetFlags(pfn.FlagAllocated)
	alloc.freePages -= order.Pages()

	return addr, nil
}

// Free returns the block starting at physAddr to the allocator. The block
// order is looked up from the frame tracker.
func (alloc *BuddyAllocator) Free(physAddr uintptr) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	desc := alloc.allocatedBlock(physAddr)
	if desc == nil {
		return
	}

	alloc.freeBlock(physAddr, desc.Order())
}

// FreeOrder returns the block of the given order starting at physAddr to the
// allocator. Passing an order different from the one the block was
// allocated with is a kernel bug.
func (alloc *BuddyAllocator) FreeOrder(physAddr uintptr, order mm.PageOrder) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	desc := alloc.allocatedBlock(physAddr)
	if desc == nil {
		return
	}

	if desc.Order() != order {
		kfmt.Panic(errOrderMismatch)
		return
	}

	alloc.freeBlock(physAddr, order)
}

// AllocFrame reserves a single frame.
func (alloc *BuddyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.AllocOrder(0)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// FreeFrame releases a frame previously reserved via AllocFrame.
func (alloc *BuddyAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.FreeOrder(frame.Address(), 0)
	return nil
}

// Frames returns the frame tracker used by the allocator.
func (alloc *BuddyAllocator) Frames() *pfn.Tracker {
	return alloc.frames
}

// TotalPages returns the number of pages managed by the allocator.
func (alloc *BuddyAllocator) TotalPages() uint32 {
	return alloc.totalPages
}

// FreePages returns the number of pages sitting in the free lists.
func (alloc *BuddyAllocator) FreePages() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.freePages
}

// FreeBlocks returns the number of free blocks of the given order.
func (alloc *BuddyAllocator) FreeBlocks(order mm.PageOrder) uint32 {
	if order >= mm.MaxPageOrder {
		return 0
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.freeArea[order].count
}

// FreeBlockAddrs returns the addresses of the free blocks of the given order
// in free-list order.
func (alloc *BuddyAllocator) FreeBlockAddrs(order mm.PageOrder) []uintptr {
	if order >= mm.MaxPageOrder {
		return nil
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	var addrs []uintptr
	for idx := alloc.freeArea[order].head; idx != pfn.NoLink; idx = alloc.frames.At(idx).Next {
		addrs = append(addrs, alloc.frames.Frame(idx).Address())
	}
	return addrs
}

// allocatedBlock validates physAddr as the head of an allocated block and
// returns its descriptor. Invalid addresses trigger a kernel panic and
// yield a nil descriptor.
func (alloc *BuddyAllocator) allocatedBlock(physAddr uintptr) *pfn.Descriptor {
	if physAddr < alloc.start || physAddr >= alloc.end || !mm.PageAligned(physAddr) {
		kfmt.Panic(errUnmanaged)
		return nil
	}

	desc := alloc.frames.LookupAddress(physAddr)
	switch {
	case desc.HasFlags(pfn.FlagFree):
		kfmt.Panic(errDoubleFree)
		return nil
	case !desc.HasFlags(pfn.FlagAllocated):
		kfmt.Panic(errNotBlockHead)
		return nil
	case physAddr&(desc.Order().Size()-1) != 0:
		kfmt.Panic(errMisaligned)
		return nil
	case desc.Refcount() != 0:
		kfmt.Panic(errPageInUse)
		return nil
	}

	return desc
}

// freeBlock inserts a block into the free lists, merging it with its buddy
// for as long as the buddy is free and has the same order.
func (alloc *BuddyAllocator) freeBlock(addr uintptr, order mm.PageOrder) {
	alloc.frames.LookupAddress(addr).Reset()
	alloc.freePages += order.Pages()

	for ; order < mm.MaxPageOrder-1; order++ {
		buddyAddr := addr ^ order.Size()
		if buddyAddr < alloc.start || buddyAddr >= alloc.end {
			break
		}

		buddyIdx := alloc.frames.Index(mm.FrameFromAddress(buddyAddr))
		buddy := alloc.frames.At(buddyIdx)
		if !buddy.HasFlags(pfn.FlagFree) || buddy.Order() != order {
			break
		}

		alloc.unlink(buddyIdx, order)
		buddy.Reset()
		addr &^= order.Size()
	}

	alloc.pushFree(addr, order)
}

// pushFree inserts the block at addr at the head of the free list for order.
func (alloc *BuddyAllocator) pushFree(addr uintptr, order mm.PageOrder) {
	idx := alloc.frames.Index(mm.FrameFromAddress(addr))
	desc := alloc.frames.At(idx)
	desc.Reset()
	desc.SetOrder(order)
	desc.SetFlags(pfn.FlagFree)

	list := &alloc.freeArea[order]
	desc.Next = list.head
	if list.head != pfn.NoLink {
		alloc.frames.At(list.head).Prev = idx
	}
	list.head = idx
	list.count++
}

// unlink removes the free block at tracker index idx from the free list for
// order.
func (alloc *BuddyAllocator) unlink(idx int32, order mm.PageOrder) {
	desc := alloc.frames.At(idx)
	list := &alloc.freeArea[order]

	if desc.Prev != pfn.NoLink {
		alloc.frames.At(desc.Prev).Next = desc.Next
	} else {
		list.head = desc.Next
	}

	if desc.Next != pfn.NoLink {
		alloc.frames.At(desc.Next).Prev = desc.Prev
	}

	desc.Prev, desc.Next = pfn.NoLink, pfn.NoLink
	desc.ClearFlags(pfn.FlagFree)
	list.count--
}
