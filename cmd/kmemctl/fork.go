package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/config"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/kmem"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/vma"
)

// Fork implements subcommands.Command for the "fork" command.
type Fork struct {
	pages int
}

// Name implements subcommands.Command.Name.
func (*Fork) Name() string {
	return "fork"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fork) Synopsis() string {
	return "forks a process image and verifies copy-on-write isolation"
}

// Usage implements subcommands.Command.Usage.
func (*Fork) Usage() string {
	return "fork [-pages N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (fk *Fork) SetFlags(f *flag.FlagSet) {
	f.IntVar(&fk.pages, "pages", 16, "number of private anonymous pages in the parent image.")
}

// Execute implements subcommands.Command.Execute.
func (fk *Fork) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || fk.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := args[0].(*config.Config)
	ctx, err := boot(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer ctx.Close()

	if err := runFork(os.Stdout, ctx, fk.pages); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// runFork populates a parent image, forks it and has the child overwrite
// every other page. The parent must keep its contents and only the
// written pages may be copied.
func runFork(w io.Writer, ctx *kmem.Context, pages int) error {
	freeBefore := ctx.Buddy.FreePages()

	parent, kerr := ctx.NewAddressSpace()
	if kerr != nil {
		return kerr
	}

	length := uintptr(pages) * mm.PageSize
	base, kerr := parent.Mmap(0, length, vma.ProtRead|vma.ProtWrite, vma.MapPrivate|vma.MapAnonymous, nil, 0)
	if kerr != nil {
		return kerr
	}

	page := make([]byte, mm.PageSize)
	for i := 0; i < pages; i++ {
		fillPage(page, 'P', i)
		if kerr = parent.CopyOut(base+uintptr(i)*mm.PageSize, page); kerr != nil {
			return kerr
		}
	}

	child, kerr := ctx.NewAddressSpace()
	if kerr != nil {
		return kerr
	}

	if kerr = parent.Fork(child); kerr != nil {
		return kerr
	}
	afterFork := ctx.Buddy.FreePages()

	for i := 0; i < pages; i += 2 {
		fillPage(page, 'C', i)
		if kerr = child.CopyOut(base+uintptr(i)*mm.PageSize, page); kerr != nil {
			return kerr
		}
	}

	copied := afterFork - ctx.Buddy.FreePages()
	if exp := uint32((pages + 1) / 2); copied != exp {
		return fmt.Errorf("expected %d copied pages; got %d", exp, copied)
	}

	exp, got := make([]byte, mm.PageSize), make([]byte, mm.PageSize)
	for i := 0; i < pages; i++ {
		addr := base + uintptr(i)*mm.PageSize

		fillPage(exp, 'P', i)
		if kerr = parent.CopyIn(got, addr); kerr != nil {
			return kerr
		}
		if !bytes.Equal(exp, got) {
			return fmt.Errorf("parent page %d was modified by the child", i)
		}

		if i%2 == 0 {
			fillPage(exp, 'C', i)
		}
		if kerr = child.CopyIn(got, addr); kerr != nil {
			return kerr
		}
		if !bytes.Equal(exp, got) {
			return fmt.Errorf("child page %d has unexpected contents", i)
		}
	}

	fmt.Fprintf(w, "forked %d pages, child copied %d on write\n", pages, copied)

	for _, as := range []*vma.AddressSpace{child, parent} {
		if kerr = as.Release(); kerr != nil {
			return kerr
		}
	}

	if got := ctx.Buddy.FreePages(); got != freeBefore {
		return fmt.Errorf("%d pages leaked by the process images", freeBefore-got)
	}

	return nil
}

func fillPage(page []byte, owner byte, index int) {
	for i := range page {
		page[i] = owner ^ byte(index) ^ byte(i)
	}
}
