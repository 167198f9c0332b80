package physmem

import (
	"unsafe"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

// TableEntries is the number of 64-bit entries held by a page-table page.
const TableEntries = int(mm.PageSize >> mm.PointerShift)

var errTableMisaligned = &kernel.Error{Module: "physmem", Message: "page table address is not page-aligned"}

// Table returns the page-table page stored at physAddr viewed as an array of
// raw 64-bit entries.
func (m *Memory) Table(physAddr uintptr) (*[TableEntries]uint64, *kernel.Error) {
	if !mm.PageAligned(physAddr) {
		return nil, errTableMisaligned
	}

	b, err := m.Bytes(physAddr, mm.PageSize)
	if err != nil {
		return nil, err
	}

	// The host mapping is page-aligned so every page inside it satisfies
	// the 8-byte alignment uint64 requires.
	return (*[TableEntries]uint64)(unsafe.Pointer(&b[0])), nil
}

// hostAddr returns the host address of the first byte of b.
func hostAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
