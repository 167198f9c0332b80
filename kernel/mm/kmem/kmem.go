// Package kmem assembles the physical memory arena, the frame tracker, the
// page and object allocators and the kernel page table into a single kernel
// memory context.
package kmem

import (
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/config"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/physmem"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pmm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/slab"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vma"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vmm"
)

var (
	errForeignPointer = &kernel.Error{Module: "kmem", Message: "kfree called with a pointer not returned by kalloc"}
	errZeroSize       = &kernel.Error{Module: "kmem", Message: "kalloc called with a zero size"}
)

// kernelMapFlags are used for the kernel's view of RAM.
const kernelMapFlags = vmm.FlagRead | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagAccessed | vmm.FlagDirty

// Context owns the memory subsystem of a kernel instance.
type Context struct {
	Phys   *physmem.Memory
	Frames *pfn.Tracker
	Buddy  *pmm.BuddyAllocator
	Slab   *slab.Allocator

	// Kernel is the kernel page table. On formats without a direct mapped
	// window it identity-maps the whole of RAM.
	Kernel *vmm.PageTable[vmm.Native]

	format       vmm.Native
	directMapped bool
}

// New brings up the memory subsystem described by cfg.
func New(cfg *config.Config) (*Context, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem, err := physmem.New(uintptr(cfg.RAMBase), uintptr(cfg.RAMSize))
	if err != nil {
		return nil, err
	}

	ctx, err := setup(cfg, mem)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	return ctx, nil
}

func setup(cfg *config.Config, mem *physmem.Memory) (*Context, *kernel.Error) {
	start, end := mm.PageRoundUp(cfg.PagesStart()), mem.End()

	frames, err := pfn.New(start, end)
	if err != nil {
		return nil, err
	}

	buddy := new(pmm.BuddyAllocator)
	if err = buddy.Init(frames, start, end); err != nil {
		return nil, err
	}

	ctx := &Context{
		Phys:   mem,
		Frames: frames,
		Buddy:  buddy,
		Slab:   slab.New(buddy, frames, cfg.MinPartial),
	}

	// A format whose kernel window is the identity has no hardware
	// direct map, so RAM must be mapped explicitly.
	ctx.directMapped = ctx.format.PhysToVirt(mem.Base()) != mem.Base()

	if ctx.Kernel, err = vmm.New[vmm.Native](mem, buddy, frames); err != nil {
		return nil, err
	}

	if !ctx.directMapped {
		if err = ctx.Kernel.IdentityMapRegion(mem.Base(), mem.Size(), kernelMapFlags); err != nil {
			return nil, err
		}
	}

	kfmt.Logger("kmem").WithField("format", ctx.format.Name()).Infof(
		"kernel memory online: RAM [0x%x - 0x%x], %d free pages, kernel table at 0x%x",
		mem.Base(), mem.End(), buddy.FreePages(), ctx.Kernel.Root(),
	)

	return ctx, nil
}

// Kalloc allocates size bytes of kernel memory and returns its kernel
// virtual address. Requests smaller than a page are served by the slab
// allocator; larger ones by the page allocator.
func (ctx *Context) Kalloc(size uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      *kernel.Error
	)

	switch {
	case size == 0:
		kfmt.Panic(errZeroSize)
		return 0, errZeroSize
	case size < mm.PageSize:
		physAddr, err = ctx.Slab.Alloc(size)
	default:
		physAddr, err = ctx.Buddy.Alloc(size)
	}

	if err != nil {
		return 0, err
	}

	return ctx.PhysToVirt(physAddr), nil
}

// Kfree releases memory obtained from Kalloc.
func (ctx *Context) Kfree(ptr uintptr) {
	physAddr := ctx.VirtToPhys(ptr)

	desc := ctx.Frames.LookupAddress(physAddr)
	switch {
	case desc == nil:
		kfmt.Panic(errForeignPointer)
	case desc.HasFlags(pfn.FlagSlab):
		ctx.Slab.FreeObject(physAddr)
	default:
		ctx.Buddy.Free(physAddr)
	}
}

// Bytes returns the n bytes of kernel memory at the kernel virtual address
// ptr.
func (ctx *Context) Bytes(ptr, n uintptr) ([]byte, *kernel.Error) {
	return ctx.Phys.Bytes(ctx.VirtToPhys(ptr), n)
}

// NewAddressSpace returns an empty user address space with its own page
// table.
func (ctx *Context) NewAddressSpace() (*vma.AddressSpace, *kernel.Error) {
	pt, err := vmm.New[vmm.Native](ctx.Phys, ctx.Buddy, ctx.Frames)
	if err != nil {
		return nil, err
	}

	return vma.New(pt, ctx.Phys, ctx.Buddy, ctx.Frames), nil
}

// PhysToVirt returns the kernel virtual address of a physical address.
func (ctx *Context) PhysToVirt(physAddr uintptr) uintptr {
	return ctx.format.PhysToVirt(physAddr)
}

// VirtToPhys returns the physical address of a kernel virtual address.
func (ctx *Context) VirtToPhys(virtAddr uintptr) uintptr {
	return ctx.format.VirtToPhys(virtAddr)
}

// Stats is a snapshot of the allocator state.
type Stats struct {
	Format      string
	TotalPages  uint32
	FreePages   uint32
	FreeBlocks  [mm.MaxPageOrder]uint32
	Slabs       int
	PartialSlab int
	FreeObjects int
}

// Stats returns the current allocator statistics.
func (ctx *Context) Stats() Stats {
	s := Stats{
		Format:      ctx.format.Name(),
		TotalPages:  ctx.Buddy.TotalPages(),
		FreePages:   ctx.Buddy.FreePages(),
		Slabs:       ctx.Slab.Slabs(),
		PartialSlab: ctx.Slab.PartialLen(),
		FreeObjects: ctx.Slab.FreeObjects(),
	}

	for order := mm.PageOrder(0); order < mm.MaxPageOrder; order++ {
		s.FreeBlocks[order] = ctx.Buddy.FreeBlocks(order)
	}

	return s
}

// Close releases the physical memory arena. Every address space created by
// the context must have been released.
func (ctx *Context) Close() *kernel.Error {
	return ctx.Phys.Close()
}
