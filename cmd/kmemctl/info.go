package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/config"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/kmem"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/slab"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "boots the memory subsystem and prints the allocator state"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return "info\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := args[0].(*config.Config)
	ctx, err := boot(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer ctx.Close()

	printStats(os.Stdout, ctx)
	return subcommands.ExitSuccess
}

func printStats(w io.Writer, ctx *kmem.Context) {
	s := ctx.Stats()

	fmt.Fprintf(w, "format:        %s\n", s.Format)
	fmt.Fprintf(w, "RAM:           [0x%x - 0x%x]\n", ctx.Phys.Base(), ctx.Phys.End())
	fmt.Fprintf(w, "kernel table:  0x%x\n", ctx.Kernel.Root())
	fmt.Fprintf(w, "pages:         %d free of %d\n", s.FreePages, s.TotalPages)
	for order, count := range s.FreeBlocks {
		fmt.Fprintf(w, "  order %2d:    %d\n", order, count)
	}
	fmt.Fprintf(w, "slabs:         %d (%d partial, %d free objects of %d bytes)\n", s.Slabs, s.PartialSlab, s.FreeObjects, slab.ObjectSize)
}
