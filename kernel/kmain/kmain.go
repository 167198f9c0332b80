// Package kmain contains the boot sequence of the kernel memory subsystem.
package kmain

import (
	"io"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/config"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/kfmt"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/kmem"
)

// Kmain brings up the kernel memory subsystem described by cfg. Log output
// produced so far, including output emitted before this call, is sent to
// console.
//
// The hosted kernel returns the memory context to its caller instead of
// entering the scheduler. Errors are returned rather than halting so that
// tools can report them.
func Kmain(cfg *config.Config, console io.Writer) (*kmem.Context, *kernel.Error) {
	if console != nil {
		kfmt.SetOutputSink(console)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Both settings were checked by Validate.
	_ = kfmt.SetFormat(cfg.LogFormat)
	if cfg.LogLevel != "" {
		_ = kfmt.SetLevel(cfg.LogLevel)
	}

	ctx, err := kmem.New(cfg)
	if err != nil {
		return nil, err
	}

	ctx.Kernel.Activate()
	printMemoryMap(ctx)

	return ctx, nil
}

// printMemoryMap logs the RAM layout and the initial state of the buddy free
// lists.
func printMemoryMap(ctx *kmem.Context) {
	log := kfmt.Logger("kmain")
	stats := ctx.Stats()

	log.Infof("system memory map (%s)", stats.Format)
	log.Infof("  [0x%x - 0x%x] RAM", ctx.Phys.Base(), ctx.Phys.End())
	log.Infof("  [0x%x - 0x%x] page allocator, %d/%d pages free", ctx.Frames.Start(), ctx.Frames.End(), stats.FreePages, stats.TotalPages)

	for order, count := range stats.FreeBlocks {
		if count == 0 {
			continue
		}
		log.Debugf("  order %2d (%4d KiB): %d free blocks", order, mm.PageOrder(order).Size()>>10, count)
	}
}
