package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/config"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/kmem"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pmm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/slab"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	maxLive    int
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "runs concurrent kalloc/kfree workers and checks page conservation"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return "stress [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 10000, "allocations performed by each worker.")
	f.IntVar(&s.maxLive, "max-live", 64, "maximum number of live allocations per worker.")
	f.Int64Var(&s.seed, "seed", 1, "seed for the per-worker random sources.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations <= 0 || s.maxLive <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := args[0].(*config.Config)
	ctx, err := boot(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer ctx.Close()

	res, err := runStress(ctx, s.workers, s.iterations, s.maxLive, s.seed)
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Fprintf(os.Stdout, "%d allocations, %d out of memory, %d pages held by empty slabs\n", res.allocs, res.exhausted, res.slabPages)
	return subcommands.ExitSuccess
}

type stressResult struct {
	allocs    uint64
	exhausted uint64
	slabPages uint32
}

type allocation struct {
	ptr, size uintptr
	tag       byte
}

// runStress hammers Kalloc and Kfree from several goroutines. Every
// allocation is filled with a per-allocation tag that is verified before it
// is freed. Once every worker is done, all pages must be back in the page
// allocator except for those held by empty slabs.
func runStress(ctx *kmem.Context, workers, iterations, maxLive int, seed int64) (stressResult, error) {
	var (
		res     stressResult
		initial = ctx.Stats()
		g       errgroup.Group
	)

	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(seed + int64(w)))

		g.Go(func() error {
			var live []allocation
			defer func() {
				for _, a := range live {
					ctx.Kfree(a.ptr)
				}
			}()

			for i := 0; i < iterations; i++ {
				if len(live) == maxLive || (len(live) > 0 && rng.Intn(3) == 0) {
					idx := rng.Intn(len(live))
					if err := verifyAndFree(ctx, live[idx]); err != nil {
						return err
					}
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]
					continue
				}

				a := allocation{size: randomSize(rng), tag: byte(rng.Intn(255) + 1)}
				ptr, err := ctx.Kalloc(a.size)
				switch {
				case err == pmm.ErrOutOfMemory:
					atomic.AddUint64(&res.exhausted, 1)
					continue
				case err != nil:
					return err
				}

				data, err := ctx.Bytes(ptr, a.size)
				if err != nil {
					return err
				}
				for j := range data {
					data[j] = a.tag
				}

				a.ptr = ptr
				live = append(live, a)
				atomic.AddUint64(&res.allocs, 1)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}

	final := ctx.Stats()
	if final.FreeObjects != final.Slabs*slab.ObjectsPerSlab {
		return res, fmt.Errorf("%d slab objects leaked", final.Slabs*slab.ObjectsPerSlab-final.FreeObjects)
	}

	res.slabPages = uint32(final.Slabs - initial.Slabs)
	if final.FreePages+res.slabPages != initial.FreePages {
		return res, fmt.Errorf("page conservation violated: %d free + %d slab pages, expected %d free", final.FreePages, res.slabPages, initial.FreePages)
	}

	return res, nil
}

// randomSize favours small object allocations over multi-page ones.
func randomSize(rng *rand.Rand) uintptr {
	if rng.Intn(4) == 0 {
		return mm.PageSize + uintptr(rng.Intn(int(7*mm.PageSize)))
	}
	return uintptr(rng.Intn(int(mm.PageSize-1))) + 1
}

func verifyAndFree(ctx *kmem.Context, a allocation) error {
	data, err := ctx.Bytes(a.ptr, a.size)
	if err != nil {
		return err
	}

	for off, b := range data {
		if b != a.tag {
			return fmt.Errorf("allocation 0x%x: byte %d is 0x%02x, expected 0x%02x", a.ptr, off, b, a.tag)
		}
	}

	ctx.Kfree(a.ptr)
	return nil
}
