package vmm

// Native is the page table format of the target architecture.
type Native = Sv39

// Default physical memory layout of the riscv64 virt machine.
const (
	DefaultRAMBase = uintptr(0x80000000)
	DefaultRAMSize = uintptr(128 << 20)
)
