// Package slab implements a sub-page object allocator on top of the page
// allocator.
//
// Each slab is a single page split into ObjectSize-byte objects. Free objects
// are tracked as runs of consecutive objects; the run descriptors live in a
// side table so the whole page is available for object storage.
package slab

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/sync"
)

const (
	// ObjectSize is the size in bytes of a single slab object.
	ObjectSize = uintptr(64)

	// ObjectsPerSlab is the number of objects carved out of a slab page.
	ObjectsPerSlab = int(mm.PageSize / ObjectSize)

	// DefaultMinPartial is the default number of partial slabs that are
	// kept resident even when they become completely free.
	DefaultMinPartial = 2

	// noRun terminates the free-run links.
	noRun = uint8(0xff)
)

var (
	errBadSize       = &kernel.Error{Module: "slab", Message: "allocation size must be between 1 byte and a page"}
	errForeign       = &kernel.Error{Module: "slab", Message: "address does not belong to a slab"}
	errMisaligned    = &kernel.Error{Module: "slab", Message: "address is not aligned to an object boundary"}
	errDoubleFree    = &kernel.Error{Module: "slab", Message: "object is already free"}
	errRangeOverrun  = &kernel.Error{Module: "slab", Message: "freed range extends past the end of the slab"}
	errNotAllocStart = &kernel.Error{Module: "slab", Message: "address is not the start of an allocation"}
)

// Run describes a range of consecutive free objects inside a slab.
type Run struct {
	Index int
	Size  int
}

// run is a free-run descriptor. Only the descriptor of a run's first object
// is live; the size of every other descriptor is zero.
type run struct {
	size       uint8
	prev, next uint8
}

type slab struct {
	addr uintptr

	// free is the sentinel of the run list. Its size is the total number
	// of free objects in the slab and its next field points to the first
	// run. Runs are kept in address order.
	free run
	runs [ObjectsPerSlab]run

	// used has one bit per allocated object.
	used uint64

	// lengths records the object count of every live allocation, indexed
	// by the allocation's first object.
	lengths [ObjectsPerSlab]uint8

	next      *slab
	inPartial bool
}

func newSlab(addr uintptr) *slab {
	s := &slab{addr: addr}
	s.free = run{size: uint8(ObjectsPerSlab), prev: noRun, next: 0}
	s.runs[0] = run{size: uint8(ObjectsPerSlab), prev: noRun, next: noRun}
	return s
}

// alloc carves n objects out of the first run that is large enough and
// returns the index of the first object.
func (s *slab) alloc(n int) (int, bool) {
	if int(s.free.size) < n {
		return 0, false
	}

	for idx := s.free.next; idx != noRun; idx = s.runs[idx].next {
		r := s.runs[idx]
		if int(r.size) < n {
			continue
		}

		if rem := int(r.size) - n; rem > 0 {
			tail := idx + uint8(n)
			s.runs[tail] = run{size: uint8(rem), prev: r.prev, next: r.next}
			s.setNext(r.prev, tail)
			if r.next != noRun {
				s.runs[r.next].prev = tail
			}
		} else {
			s.unlink(idx)
		}

		s.runs[idx] = run{}
		s.free.size -= uint8(n)
		s.used |= objectMask(int(idx), n)
		s.lengths[idx] = uint8(n)
		return int(idx), true
	}

	return 0, false
}

// release returns n objects starting at idx to the run list, merging them
// with the adjacent runs above and below.
func (s *slab) release(idx, n int) {
	s.used &^= objectMask(idx, n)
	for i := idx; i < idx+n; i++ {
		s.lengths[i] = 0
	}

	var (
		above = noRun
		below = noRun
		prev  = noRun
	)

	if end := idx + n; end < ObjectsPerSlab && s.runs[end].size != 0 {
		above = uint8(end)
	}

	for cur := s.free.next; cur != noRun && int(cur) < idx; cur = s.runs[cur].next {
		prev = cur
		if int(cur)+int(s.runs[cur].size) == idx {
			below = cur
		}
	}

	switch {
	case below != noRun && above != noRun:
		s.runs[below].size += uint8(n) + s.runs[above].size
		s.unlink(above)
		s.runs[above] = run{}
	case below != noRun:
		s.runs[below].size += uint8(n)
	case above != noRun:
		r := s.runs[above]
		s.runs[idx] = run{size: uint8(n) + r.size, prev: r.prev, next: r.next}
		s.setNext(r.prev, uint8(idx))
		if r.next != noRun {
			s.runs[r.next].prev = uint8(idx)
		}
		s.runs[above] = run{}
	default:
		next := s.free.next
		if prev != noRun {
			next = s.runs[prev].next
		}
		s.runs[idx] = run{size: uint8(n), prev: prev, next: next}
		s.setNext(prev, uint8(idx))
		if next != noRun {
			s.runs[next].prev = uint8(idx)
		}
	}

	s.free.size += uint8(n)
}

// setNext points the link that precedes a run (the sentinel when prev is
// noRun) to next.
func (s *slab) setNext(prev, next uint8) {
	if prev == noRun {
		s.free.next = next
		return
	}
	s.runs[prev].next = next
}

func (s *slab) unlink(idx uint8) {
	r := s.runs[idx]
	s.setNext(r.prev, r.next)
	if r.next != noRun {
		s.runs[r.next].prev = r.prev
	}
}

func (s *slab) runList() []Run {
	var list []Run
	for idx := s.free.next; idx != noRun; idx = s.runs[idx].next {
		list = append(list, Run{Index: int(idx), Size: int(s.runs[idx].size)})
	}
	return list
}

func objectMask(idx, n int) uint64 {
	if n == ObjectsPerSlab {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(n)) - 1) << uint(idx)
}

// Allocator hands out runs of ObjectSize-byte objects carved from single
// pages obtained from a frame allocator.
type Allocator struct {
	mutex sync.Spinlock

	pages  mm.FrameAllocator
	frames *pfn.Tracker

	// current is the slab that allocations are served from first.
	current *slab

	// partial is a singly-linked list of slabs with free capacity.
	partial    *slab
	partialLen int
	minPartial int

	slabs map[mm.Frame]*slab
}

// New returns a slab allocator that obtains its pages from pages. The frame
// tracker is used to tag slab pages with pfn.FlagSlab. A negative minPartial
// selects DefaultMinPartial.
func New(pages mm.FrameAllocator, frames *pfn.Tracker, minPartial int) *Allocator {
	if minPartial < 0 {
		minPartial = DefaultMinPartial
	}

	return &Allocator{
		pages:      pages,
		frames:     frames,
		minPartial: minPartial,
		slabs:      make(map[mm.Frame]*slab),
	}
}

// Alloc reserves enough consecutive objects to hold size bytes and returns
// the physical address of the first one.
func (alloc *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || size > mm.PageSize {
		kfmt.Panic(errBadSize)
		return 0, errBadSize
	}

	n := int((size + ObjectSize - 1) / ObjectSize)

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.current != nil {
		if idx, ok := alloc.current.alloc(n); ok {
			return alloc.current.addr + uintptr(idx)*ObjectSize, nil
		}
	}

	// Try the partial list head first, then first-fit over the rest.
	var prev *slab
	for s := alloc.partial; s != nil; prev, s = s, s.next {
		if int(s.free.size) < n {
			continue
		}

		idx, ok := s.alloc(n)
		if !ok {
			continue
		}

		alloc.removePartial(prev, s)
		alloc.demoteCurrent()
		alloc.current = s
		return s.addr + uintptr(idx)*ObjectSize, nil
	}

	frame, err := alloc.pages.AllocFrame()
	if err != nil {
		return 0, err
	}

	if desc := alloc.frames.Lookup(frame); desc != nil {
		desc.SetFlags(pfn.FlagSlab)
	}

	s := newSlab(frame.Address())
	alloc.slabs[frame] = s
	alloc.demoteCurrent()
	alloc.current = s
	kfmt.Logger("slab").Debugf("new slab at 0x%x", s.addr)

	idx, _ := s.alloc(n)
	return s.addr + uintptr(idx)*ObjectSize, nil
}

// Free releases size bytes starting at addr. The range may cover several
// consecutive allocations but every object in it must be allocated.
func (alloc *Allocator) Free(addr, size uintptr) {
	if size == 0 || size > mm.PageSize {
		kfmt.Panic(errBadSize)
		return
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	s, idx := alloc.lookup(addr)
	if s == nil {
		return
	}

	n := int((size + ObjectSize - 1) / ObjectSize)
	switch {
	case idx+n > ObjectsPerSlab:
		kfmt.Panic(errRangeOverrun)
		return
	case s.used&objectMask(idx, n) != objectMask(idx, n):
		kfmt.Panic(errDoubleFree)
		return
	}

	alloc.release(s, idx, n)
}

// FreeObject releases the allocation starting at addr. Every object of the
// allocation must still be in use; objects already released through Free
// make the call a double free.
func (alloc *Allocator) FreeObject(addr uintptr) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	s, idx := alloc.lookup(addr)
	if s == nil {
		return
	}

	n := int(s.lengths[idx])
	switch {
	case s.used&objectMask(idx, 1) == 0:
		kfmt.Panic(errDoubleFree)
		return
	case n == 0:
		kfmt.Panic(errNotAllocStart)
		return
	case s.used&objectMask(idx, n) != objectMask(idx, n):
		kfmt.Panic(errDoubleFree)
		return
	}

	alloc.release(s, idx, n)
}

// Owns returns true if addr points inside a slab page.
func (alloc *Allocator) Owns(addr uintptr) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	_, ok := alloc.slabs[mm.FrameFromAddress(addr)]
	return ok
}

// Slabs returns the number of pages currently owned by the allocator.
func (alloc *Allocator) Slabs() int {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return len(alloc.slabs)
}

// PartialLen returns the length of the partial slab list.
func (alloc *Allocator) PartialLen() int {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.partialLen
}

// FreeObjects returns the number of free objects across all slabs.
func (alloc *Allocator) FreeObjects() int {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	var count int
	for _, s := range alloc.slabs {
		count += int(s.free.size)
	}
	return count
}

// Runs returns the free runs of the slab containing addr in address order
// along with the free-object count recorded by the slab. It returns false if
// addr does not belong to a slab.
func (alloc *Allocator) Runs(addr uintptr) ([]Run, int, bool) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	s, ok := alloc.slabs[mm.FrameFromAddress(addr)]
	if !ok {
		return nil, 0, false
	}
	return s.runList(), int(s.free.size), true
}

// lookup returns the slab owning addr and the object index addr refers to.
func (alloc *Allocator) lookup(addr uintptr) (*slab, int) {
	s, ok := alloc.slabs[mm.FrameFromAddress(addr)]
	if !ok {
		kfmt.Panic(errForeign)
		return nil, 0
	}

	off := mm.PageOffset(addr)
	if off%ObjectSize != 0 {
		kfmt.Panic(errMisaligned)
		return nil, 0
	}

	return s, int(off / ObjectSize)
}

func (alloc *Allocator) release(s *slab, idx, n int) {
	s.release(idx, n)

	if s == alloc.current {
		return
	}

	if !s.inPartial {
		alloc.pushPartial(s)
	}

	if int(s.free.size) != ObjectsPerSlab || alloc.partialLen <= alloc.minPartial {
		return
	}

	var prev *slab
	for cur := alloc.partial; cur != s; cur = cur.next {
		prev = cur
	}
	alloc.removePartial(prev, s)

	frame := mm.FrameFromAddress(s.addr)
	delete(alloc.slabs, frame)
	if desc := alloc.frames.Lookup(frame); desc != nil {
		desc.ClearFlags(pfn.FlagSlab)
	}
	_ = alloc.pages.FreeFrame(frame)
	kfmt.Logger("slab").Debugf("released slab at 0x%x", s.addr)
}

// demoteCurrent moves the current slab to the partial list if it still has
// free objects. Full slabs stay off the lists until an object is freed.
func (alloc *Allocator) demoteCurrent() {
	s := alloc.current
	alloc.current = nil
	if s != nil && s.free.size > 0 {
		alloc.pushPartial(s)
	}
}

func (alloc *Allocator) pushPartial(s *slab) {
	s.next = alloc.partial
	s.inPartial = true
	alloc.partial = s
	alloc.partialLen++
}

func (alloc *Allocator) removePartial(prev, s *slab) {
	if prev == nil {
		alloc.partial = s.next
	} else {
		prev.next = s.next
	}

	s.next = nil
	s.inPartial = false
	alloc.partialLen--
}
