// Package vma manages the virtual memory areas of a user address space and
// resolves the page faults that occur inside them.
//
// Pages are populated lazily: Mmap only records the area and the first
// access to each page allocates, fills and maps it. Private writable pages
// are mapped copy-on-write so that address spaces created by Fork share
// them until one side writes.
package vma

import (
	"io"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/sync"
)

var (
	// ErrSegmentationFault is returned when an access is not permitted by
	// the area covering the faulting address or no area covers it.
	ErrSegmentationFault = &kernel.Error{Module: "vma", Message: "segmentation fault"}

	// ErrInvalidArgument is returned for malformed mmap or munmap requests.
	ErrInvalidArgument = &kernel.Error{Module: "vma", Message: "invalid argument"}

	// ErrNoSpace is returned when no free virtual address range can hold a
	// new area.
	ErrNoSpace = &kernel.Error{Module: "vma", Message: "no free virtual address range"}

	errFill      = &kernel.Error{Module: "vma", Message: "unable to read page contents from backing file"}
	errWriteback = &kernel.Error{Module: "vma", Message: "unable to write dirty page back to file"}
)

// Prot describes the access permissions of an area.
type Prot uint8

const (
	// ProtRead allows loads from the area.
	ProtRead Prot = 1 << iota

	// ProtWrite allows stores to the area.
	ProtWrite

	// ProtExec allows instruction fetches from the area.
	ProtExec

	// ProtNone denies every access.
	ProtNone Prot = 0
)

// MapFlag controls the placement and sharing of an area.
type MapFlag uint8

const (
	// MapShared makes stores visible to every address space mapping the
	// same pages and, for file-backed areas, to the file.
	MapShared MapFlag = 1 << iota

	// MapPrivate gives the address space a copy-on-write view of the pages.
	MapPrivate

	// MapFixed places the area exactly at the requested address, replacing
	// any overlapping areas.
	MapFixed

	// MapAnonymous backs the area with zero-filled memory instead of a
	// file.
	MapAnonymous
)

// Access describes the kind of memory access that caused a page fault.
type Access uint8

const (
	// AccessRead is a load.
	AccessRead Access = iota

	// AccessWrite is a store.
	AccessWrite

	// AccessExec is an instruction fetch.
	AccessExec
)

// File is the backing store of a file-backed area.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// backing is the memory object shared by every area created from the same
// mmap call: the split halves of an area and the copies made by Fork. File
// backed areas and shared anonymous areas have one; private anonymous areas
// do not.
//
// Shared areas resolve their pages through the page cache of the backing so
// that every address space mapping the object sees the same frames. The
// cache holds one reference on each cached frame.
type backing struct {
	mutex sync.Spinlock

	file File
	refs int

	pages  mm.FrameAllocator
	frames *pfn.Tracker
	cache  map[int64]mm.Frame
}

func newBacking(file File, pages mm.FrameAllocator, frames *pfn.Tracker) *backing {
	return &backing{
		file:   file,
		refs:   1,
		pages:  pages,
		frames: frames,
		cache:  make(map[int64]mm.Frame),
	}
}

func (b *backing) acquire() *backing {
	if b != nil {
		b.mutex.Acquire()
		b.refs++
		b.mutex.Release()
	}
	return b
}

// release drops a reference. Once no area uses the backing, the cached
// frames are released and the file is closed.
func (b *backing) release() {
	if b == nil {
		return
	}

	b.mutex.Acquire()
	b.refs--
	last := b.refs == 0
	cache := b.cache
	if last {
		b.cache = nil
	}
	b.mutex.Release()

	if !last {
		return
	}

	for _, frame := range cache {
		if desc := b.frames.Lookup(frame); desc != nil && desc.DecRef() == 0 {
			_ = b.pages.FreeFrame(frame)
		}
	}

	if closer, ok := b.file.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			kfmt.Logger("vma").WithError(err).Warn("unable to close backing file")
		}
	}
}

// sharedPage returns the cached frame for the page at offset. A missing page
// is allocated, filled by fill and inserted into the cache.
func (b *backing) sharedPage(offset int64, fill func(mm.Frame) *kernel.Error) (mm.Frame, *kernel.Error) {
	b.mutex.Acquire()
	defer b.mutex.Release()

	if frame, ok := b.cache[offset]; ok {
		return frame, nil
	}

	frame, err := b.pages.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = fill(frame); err != nil {
		_ = b.pages.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	if desc := b.frames.Lookup(frame); desc != nil {
		desc.IncRef()
	}
	b.cache[offset] = frame
	return frame, nil
}

// cached returns the number of frames held by the page cache.
func (b *backing) cached() int {
	b.mutex.Acquire()
	defer b.mutex.Release()
	return len(b.cache)
}

// VMA is a contiguous page-aligned range of virtual addresses with uniform
// permissions and backing.
type VMA struct {
	Start, End uintptr
	Prot       Prot
	Flags      MapFlag

	// Offset is the offset into the backing object that corresponds to
	// Start.
	Offset int64

	backing *backing
}

// Len returns the size of the area in bytes.
func (v *VMA) Len() uintptr { return v.End - v.Start }

// Pages returns the number of pages spanned by the area.
func (v *VMA) Pages() uintptr { return v.Len() >> mm.PageShift }

// Contains returns true if addr falls inside the area.
func (v *VMA) Contains(addr uintptr) bool { return addr >= v.Start && addr < v.End }

// Shared returns true for MapShared areas.
func (v *VMA) Shared() bool { return v.Flags&MapShared != 0 }

// File returns the backing file or nil for anonymous areas.
func (v *VMA) File() File {
	if v.backing == nil {
		return nil
	}
	return v.backing.file
}

// fileOffset returns the offset into the backing object of the page at
// addr. Areas without a backing always report 0.
func (v *VMA) fileOffset(addr uintptr) int64 {
	if v.backing == nil {
		return 0
	}
	return v.Offset + int64(addr-v.Start)
}

// permits returns true if the area allows the access.
func (v *VMA) permits(access Access) bool {
	switch access {
	case AccessRead:
		return v.Prot&ProtRead != 0
	case AccessWrite:
		return v.Prot&ProtWrite != 0
	case AccessExec:
		return v.Prot&ProtExec != 0
	}
	return false
}

// pageFlags returns the page table flags granted by the area's protection.
func (v *VMA) pageFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagUser
	if v.Prot&ProtRead != 0 {
		flags |= vmm.FlagRead
	}
	if v.Prot&ProtWrite != 0 {
		flags |= vmm.FlagRW
	}
	if v.Prot&ProtExec != 0 {
		flags |= vmm.FlagExec
	}
	return flags
}

func less(a, b *VMA) bool { return a.Start < b.Start }
