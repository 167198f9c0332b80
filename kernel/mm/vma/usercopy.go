package vma

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
)

// CopyIn copies len(dst) bytes from user address src into dst, faulting the
// pages in like user loads would. Areas without read permission fail even
// when their pages are already resident.
func (as *AddressSpace) CopyIn(dst []byte, src uintptr) *kernel.Error {
	for len(dst) > 0 {
		if v := as.FindVMA(src); v == nil || !v.permits(AccessRead) {
			return ErrSegmentationFault
		}

		_, _, err := as.mapper.Lookup(mm.PageRoundDown(src))
		if err != nil {
			if err = as.HandleFault(src, AccessRead); err != nil {
				return err
			}
		}

		pa, err := as.mapper.WalkAddr(src)
		if err != nil {
			return err
		}

		n := chunkLen(src, len(dst))
		data, err := as.mem.Bytes(pa, n)
		if err != nil {
			return err
		}

		copy(dst, data)
		dst, src = dst[n:], src+n
	}

	return nil
}

// CopyOut copies src to user address dst, faulting the pages in like user
// stores would and marking them dirty.
func (as *AddressSpace) CopyOut(dst uintptr, src []byte) *kernel.Error {
	for len(src) > 0 {
		page := mm.PageRoundDown(dst)

		_, flags, err := as.mapper.Lookup(page)
		if err != nil || !flags.HasFlags(vmm.FlagRW) {
			if err = as.HandleFault(dst, AccessWrite); err != nil {
				return err
			}

			if _, flags, err = as.mapper.Lookup(page); err != nil {
				return err
			}
		}

		if !flags.HasFlags(vmm.FlagDirty) {
			if err = as.mapper.Protect(page, vmm.FlagDirty, 0); err != nil {
				return err
			}
		}

		pa, err := as.mapper.WalkAddr(dst)
		if err != nil {
			return err
		}

		n := chunkLen(dst, len(src))
		data, err := as.mem.Bytes(pa, n)
		if err != nil {
			return err
		}

		copy(data, src)
		src, dst = src[n:], dst+n
	}

	return nil
}

// chunkLen returns how many of the remaining bytes fit in the page
// containing addr.
func chunkLen(addr uintptr, remaining int) uintptr {
	n := mm.PageSize - mm.PageOffset(addr)
	if uintptr(remaining) < n {
		n = uintptr(remaining)
	}
	return n
}
