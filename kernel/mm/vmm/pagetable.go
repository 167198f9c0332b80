package vmm

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/cpu"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/physmem"
)

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// switchPageTableFn is used by tests to override calls to
	// cpu.SwitchPageTable.
	switchPageTableFn = cpu.SwitchPageTable
)

// PageTable is a multi-level page table whose entry layout is described by
// the format F.
type PageTable[F Format] struct {
	format F

	root   mm.Frame
	mem    *physmem.Memory
	pages  mm.FrameAllocator
	frames *pfn.Tracker
}

// New allocates an empty root table. Table pages are obtained from pages and
// tagged in frames; mem provides access to their contents.
func New[F Format](mem *physmem.Memory, pages mm.FrameAllocator, frames *pfn.Tracker) (*PageTable[F], *kernel.Error) {
	pt := &PageTable[F]{
		mem:    mem,
		pages:  pages,
		frames: frames,
	}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}

	pt.root = root
	return pt, nil
}

// Format returns the entry format used by this table.
func (pt *PageTable[F]) Format() Format { return pt.format }

// Root returns the physical address of the root table.
func (pt *PageTable[F]) Root() uintptr { return pt.root.Address() }

// MaxVA returns one past the highest virtual address the table can map.
func (pt *PageTable[F]) MaxVA() uintptr { return maxVirtAddr(pt.format) }

// Activate installs this table as the active translation root of the
// current hart and flushes the TLB.
func (pt *PageTable[F]) Activate() {
	switchPageTableFn(pt.root.Address())
}

// Walk returns a pointer to the leaf entry for virtAddr. Missing
// intermediate tables are allocated and cleared when alloc is true;
// otherwise ErrInvalidMapping is returned. A table allocation failure is
// passed back to the caller.
func (pt *PageTable[F]) Walk(virtAddr uintptr, alloc bool) (*uint64, *kernel.Error) {
	if virtAddr >= pt.MaxVA() {
		kfmt.Panic(errVirtAddrRange)
		return nil, errVirtAddrRange
	}

	var (
		table  = pt.root
		levels = pt.format.Levels()
	)

	for level := 0; level < levels; level++ {
		entries, err := pt.mem.Table(table.Address())
		if err != nil {
			return nil, err
		}

		pte := &entries[tableIndex(pt.format, level, virtAddr)]
		if level == levels-1 {
			return pte, nil
		}

		next, valid := pt.format.DecodeTable(*pte)
		if !valid {
			if !alloc {
				return nil, ErrInvalidMapping
			}

			if next, err = pt.allocTable(); err != nil {
				return nil, err
			}
			*pte = pt.format.Table(next)
		}

		table = next
	}

	return nil, ErrInvalidMapping
}

// Free releases every table page. All leaf mappings must have been removed
// with Unmap beforehand.
func (pt *PageTable[F]) Free() {
	pt.freeTable(pt.root, 0)
	pt.root = mm.InvalidFrame
}

func (pt *PageTable[F]) freeTable(table mm.Frame, level int) {
	entries, err := pt.mem.Table(table.Address())
	if err != nil {
		kfmt.Panic(err)
		return
	}

	last := level == pt.format.Levels()-1
	for i := range entries {
		if entries[i] == 0 {
			continue
		}

		if last {
			if _, flags := pt.format.DecodeLeaf(entries[i]); flags.HasFlags(FlagPresent) {
				kfmt.Panic(errLeafPresent)
				return
			}
			continue
		}

		if next, valid := pt.format.DecodeTable(entries[i]); valid {
			pt.freeTable(next, level+1)
		}
		entries[i] = 0
	}

	if desc := pt.frames.Lookup(table); desc != nil {
		desc.ClearFlags(pfn.FlagPageTable)
	}
	_ = pt.pages.FreeFrame(table)
}

// allocTable reserves and clears a frame for a new table.
func (pt *PageTable[F]) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := pt.pages.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if err = pt.mem.Zero(frame.Address(), mm.PageSize); err != nil {
		_ = pt.pages.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	if desc := pt.frames.Lookup(frame); desc != nil {
		desc.SetFlags(pfn.FlagPageTable)
	}
	return frame, nil
}
