// Package pfn tracks per-frame metadata for every physical page managed by
// the kernel allocators.
package pfn

import (
	"sync/atomic"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

// Flag describes the state of a tracked page frame.
type Flag uint8

const (
	// FlagFree is set on the first frame of a block that sits on a buddy
	// free list.
	FlagFree Flag = 1 << iota

	// FlagAllocated is set on the first frame of a block handed out by the
	// buddy allocator.
	FlagAllocated

	// FlagSlab is set on frames owned by the slab allocator.
	FlagSlab

	// FlagPageTable is set on frames that hold page-table pages.
	FlagPageTable

	// FlagReserved is set on frames that must never be handed out.
	FlagReserved
)

const (
	// MaxRefcount is the value at which the reference counter saturates.
	// A saturated frame is pinned and never returns to the allocator.
	MaxRefcount = uint32(0xff)

	// orderMask keeps the order field within its 4-bit width.
	orderMask = 0x0f

	// NoLink terminates the free-list links stored in a Descriptor.
	NoLink = int32(-1)
)

var (
	errRefcountUnderflow = &kernel.Error{Module: "pfn", Message: "reference count dropped below zero"}
	errBadRange          = &kernel.Error{Module: "pfn", Message: "tracked range must be page-aligned and non-empty"}
)

// Descriptor holds the metadata for a single physical page frame.
type Descriptor struct {
	order    uint8
	flags    Flag
	refcount uint32

	// Prev and Next link the descriptor into the buddy free list for its
	// order. They hold tracker indices or NoLink.
	Prev, Next int32
}

// Order returns the buddy order the frame currently belongs to.
func (d *Descriptor) Order() mm.PageOrder { return mm.PageOrder(d.order) }

// SetOrder records the buddy order of the frame.
func (d *Descriptor) SetOrder(order mm.PageOrder) { d.order = uint8(order) & orderMask }

// Flags returns the state flags of the frame.
func (d *Descriptor) Flags() Flag { return d.flags }

// HasFlags returns true if all the input flags are set.
func (d *Descriptor) HasFlags(flags Flag) bool { return d.flags&flags == flags }

// SetFlags sets the input flags.
func (d *Descriptor) SetFlags(flags Flag) { d.flags |= flags }

// ClearFlags clears the input flags.
func (d *Descriptor) ClearFlags(flags Flag) { d.flags &^= flags }

// Reset clears the order, flags and free-list links of the frame. The
// reference count is left untouched.
func (d *Descriptor) Reset() {
	d.order = 0
	d.flags = 0
	d.Prev, d.Next = NoLink, NoLink
}

// Refcount returns the number of live mappings or owners of the frame.
func (d *Descriptor) Refcount() uint32 { return atomic.LoadUint32(&d.refcount) }

// SetRefcount overwrites the reference count.
func (d *Descriptor) SetRefcount(count uint32) {
	if count > MaxRefcount {
		count = MaxRefcount
	}
	atomic.StoreUint32(&d.refcount, count)
}

// IncRef increments the reference count and returns its new value. The
// counter saturates at MaxRefcount.
func (d *Descriptor) IncRef() uint32 {
	for {
		cur := atomic.LoadUint32(&d.refcount)
		if cur == MaxRefcount {
			return cur
		}
		if atomic.CompareAndSwapUint32(&d.refcount, cur, cur+1) {
			return cur + 1
		}
	}
}

// DecRef decrements the reference count and returns its new value. A
// saturated counter is never decremented. Decrementing a zero counter is a
// kernel bug and triggers a panic.
func (d *Descriptor) DecRef() uint32 {
	for {
		cur := atomic.LoadUint32(&d.refcount)
		switch cur {
		case MaxRefcount:
			return cur
		case 0:
			kfmt.Panic(errRefcountUnderflow)
			return 0
		}
		if atomic.CompareAndSwapUint32(&d.refcount, cur, cur-1) {
			return cur - 1
		}
	}
}

// Tracker holds one Descriptor for every frame in [start, end).
type Tracker struct {
	base  mm.Frame
	descs []Descriptor
}

// New returns a tracker for the page-aligned physical range [start, end).
func New(start, end uintptr) (*Tracker, *kernel.Error) {
	if !mm.PageAligned(start) || !mm.PageAligned(end) || end <= start {
		return nil, errBadRange
	}

	t := &Tracker{
		base:  mm.FrameFromAddress(start),
		descs: make([]Descriptor, (end-start)>>mm.PageShift),
	}
	for i := range t.descs {
		t.descs[i].Reset()
	}
	return t, nil
}

// Base returns the first tracked frame.
func (t *Tracker) Base() mm.Frame { return t.base }

// Len returns the number of tracked frames.
func (t *Tracker) Len() int { return len(t.descs) }

// Start returns the physical address of the first tracked frame.
func (t *Tracker) Start() uintptr { return t.base.Address() }

// End returns the physical address just past the last tracked frame.
func (t *Tracker) End() uintptr { return (t.base + mm.Frame(len(t.descs))).Address() }

// Contains returns true if the frame is tracked.
func (t *Tracker) Contains(frame mm.Frame) bool {
	return frame >= t.base && frame-t.base < mm.Frame(len(t.descs))
}

// Index returns the tracker index for frame or NoLink if the frame is not
// tracked.
func (t *Tracker) Index(frame mm.Frame) int32 {
	if !t.Contains(frame) {
		return NoLink
	}
	return int32(frame - t.base)
}

// Frame returns the frame at tracker index idx.
func (t *Tracker) Frame(idx int32) mm.Frame { return t.base + mm.Frame(idx) }

// At returns the descriptor stored at tracker index idx.
func (t *Tracker) At(idx int32) *Descriptor { return &t.descs[idx] }

// Lookup returns the descriptor for frame or nil if the frame is not
// tracked.
func (t *Tracker) Lookup(frame mm.Frame) *Descriptor {
	if !t.Contains(frame) {
		return nil
	}
	return &t.descs[frame-t.base]
}

// LookupAddress returns the descriptor for the frame containing physAddr or
// nil if the frame is not tracked.
func (t *Tracker) LookupAddress(physAddr uintptr) *Descriptor {
	return t.Lookup(mm.FrameFromAddress(physAddr))
}
