//go:build !riscv64 && !loong64

package vmm

// Native is the page table format used when the kernel is hosted on an
// architecture without a dedicated format.
type Native = Sv39

// Default physical memory layout for hosted builds.
const (
	DefaultRAMBase = uintptr(0x80000000)
	DefaultRAMSize = uintptr(128 << 20)
)
