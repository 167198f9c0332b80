// Package physmem provides the physical RAM of the hosted kernel.
//
// RAM is a single anonymous host mapping. Physical addresses in
// [Base(), End()) are translated to offsets into that mapping; every other
// memory subsystem package reaches physical memory exclusively through this
// package.
package physmem

import (
	"golang.org/x/sys/unix"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

var (
	// mmapFn and munmapFn are mocked by tests.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errBadLayout   = &kernel.Error{Module: "physmem", Message: "RAM base and size must be page-aligned and non-zero"}
	errMapFailed   = &kernel.Error{Module: "physmem", Message: "unable to reserve host memory for RAM"}
	errOutOfRange  = &kernel.Error{Module: "physmem", Message: "physical address range is not backed by RAM"}
	errUnmapFailed = &kernel.Error{Module: "physmem", Message: "unable to release host memory for RAM"}
)

// Memory is a contiguous range of physical RAM.
type Memory struct {
	base uintptr
	data []byte
}

// New reserves size bytes of RAM starting at physical address base.
func New(base, size uintptr) (*Memory, *kernel.Error) {
	if size == 0 || !mm.PageAligned(base) || !mm.PageAligned(size) || base+size < base {
		return nil, errBadLayout
	}

	data, err := mmapFn(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errMapFailed
	}

	return &Memory{base: base, data: data}, nil
}

// Close releases the host memory backing this RAM range.
func (m *Memory) Close() *kernel.Error {
	if m.data == nil {
		return nil
	}

	if err := munmapFn(m.data); err != nil {
		return errUnmapFailed
	}

	m.data = nil
	return nil
}

// Base returns the physical address of the first RAM byte.
func (m *Memory) Base() uintptr { return m.base }

// End returns the physical address just past the last RAM byte.
func (m *Memory) End() uintptr { return m.base + uintptr(len(m.data)) }

// Size returns the RAM size in bytes.
func (m *Memory) Size() uintptr { return uintptr(len(m.data)) }

// Contains returns true if the physical address is backed by RAM.
func (m *Memory) Contains(physAddr uintptr) bool {
	return physAddr >= m.base && physAddr-m.base < uintptr(len(m.data))
}

// Bytes returns a slice aliasing the n bytes of RAM starting at physAddr.
func (m *Memory) Bytes(physAddr, n uintptr) ([]byte, *kernel.Error) {
	if !m.Contains(physAddr) || n > m.End()-physAddr {
		return nil, errOutOfRange
	}

	off := physAddr - m.base
	return m.data[off : off+n : off+n], nil
}

// Page returns a slice aliasing the page that contains physAddr.
func (m *Memory) Page(physAddr uintptr) ([]byte, *kernel.Error) {
	return m.Bytes(mm.PageRoundDown(physAddr), mm.PageSize)
}

// Zero clears n bytes of RAM starting at physAddr.
func (m *Memory) Zero(physAddr, n uintptr) *kernel.Error {
	b, err := m.Bytes(physAddr, n)
	if err != nil {
		return err
	}

	if n != 0 {
		kernel.Memset(hostAddr(b), 0, n)
	}
	return nil
}

// Copy copies n bytes of RAM from physical address src to dst.
func (m *Memory) Copy(dst, src, n uintptr) *kernel.Error {
	dstBytes, err := m.Bytes(dst, n)
	if err != nil {
		return err
	}

	srcBytes, err := m.Bytes(src, n)
	if err != nil {
		return err
	}

	if n != 0 {
		kernel.Memcopy(hostAddr(srcBytes), hostAddr(dstBytes), n)
	}
	return nil
}
