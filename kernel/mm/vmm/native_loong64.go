package vmm

// Native is the page table format of the target architecture.
type Native = LA64

// Default physical memory layout of the loongarch64 virt machine.
const (
	DefaultRAMBase = uintptr(0x90000000)
	DefaultRAMSize = uintptr(128 << 20)
)
