package vmm

import "github.com/WhaleFall-UESTC/HANA-sub000/kernel"

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errZeroSize       = &kernel.Error{Module: "vmm", Message: "mapping size must not be zero"}
	errRemap          = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	errVirtAddrRange  = &kernel.Error{Module: "vmm", Message: "virtual address is outside the translatable range"}
	errMisaligned     = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned"}
	errLeafPresent    = &kernel.Error{Module: "vmm", Message: "page table still holds leaf mappings"}
	errFormatMismatch = &kernel.Error{Module: "vmm", Message: "page tables use different formats"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry. The flags are architecture-neutral; each Format translates them to
// and from the bit layout used by its MMU.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the entry points to a valid page.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagExec is set if the page can hold executable code.
	FlagExec

	// FlagUser is set if user-mode code can access the page. If not set
	// only kernel code can access this page.
	FlagUser

	// FlagGlobal marks a mapping that is shared by every address space
	// using it and should survive address space switches in the TLB.
	FlagGlobal

	// FlagAccessed is set when the page is accessed.
	FlagAccessed

	// FlagDirty is set when the page is modified.
	FlagDirty

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite
)

// HasFlags returns true if all the input flags are set.
func (f PageTableEntryFlag) HasFlags(flags PageTableEntryFlag) bool {
	return f&flags == flags
}

// HasAnyFlag returns true if at least one of the input flags is set.
func (f PageTableEntryFlag) HasAnyFlag(flags PageTableEntryFlag) bool {
	return f&flags != 0
}
