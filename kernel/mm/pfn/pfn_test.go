package pfn

import (
	"sync"
	"testing"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
)

func TestNewTracker(t *testing.T) {
	specs := []struct {
		start, end uintptr
		expErr     *kernel.Error
		expLen     int
	}{
		{0x80000000, 0x80010000, nil, 16},
		{0x80000001, 0x80010000, errBadRange, 0},
		{0x80010000, 0x80010000, errBadRange, 0},
		{0x80010000, 0x80000000, errBadRange, 0},
	}

	for specIndex, spec := range specs {
		tr, err := New(spec.start, spec.end)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if err == nil && tr.Len() != spec.expLen {
			t.Errorf("[spec %d] expected %d descriptors; got %d", specIndex, spec.expLen, tr.Len())
		}
	}
}

func TestTrackerIndexing(t *testing.T) {
	tr, err := New(0x80000000, 0x80010000)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr     uintptr
		expIndex int32
	}{
		{0x7ffff000, NoLink},
		{0x80000000, 0},
		{0x80000fff, 0},
		{0x80003000, 3},
		{0x8000f000, 15},
		{0x80010000, NoLink},
	}

	for specIndex, spec := range specs {
		frame := mm.FrameFromAddress(spec.addr)
		if got := tr.Index(frame); got != spec.expIndex {
			t.Errorf("[spec %d] expected index %d; got %d", specIndex, spec.expIndex, got)
		}

		desc := tr.LookupAddress(spec.addr)
		if (desc == nil) != (spec.expIndex == NoLink) {
			t.Errorf("[spec %d] unexpected descriptor lookup result %v", specIndex, desc)
		}

		if spec.expIndex != NoLink && tr.Frame(spec.expIndex) != frame {
			t.Errorf("[spec %d] expected Frame(%d) to return %d; got %d", specIndex, spec.expIndex, frame, tr.Frame(spec.expIndex))
		}
	}

	if exp, got := uintptr(0x80010000), tr.End(); got != exp {
		t.Fatalf("expected End() to return 0x%x; got 0x%x", exp, got)
	}
}

func TestDescriptorFlagsAndOrder(t *testing.T) {
	var d Descriptor
	d.Reset()

	d.SetFlags(FlagFree | FlagPageTable)
	if !d.HasFlags(FlagFree | FlagPageTable) {
		t.Fatal("expected FlagFree and FlagPageTable to be set")
	}

	d.ClearFlags(FlagFree)
	if d.HasFlags(FlagFree) || !d.HasFlags(FlagPageTable) {
		t.Fatalf("expected only FlagPageTable to remain set; got %b", d.Flags())
	}

	// The order field is 4 bits wide
	d.SetOrder(mm.PageOrder(0x1a))
	if exp, got := mm.PageOrder(0x0a), d.Order(); got != exp {
		t.Fatalf("expected order %d; got %d", exp, got)
	}

	d.IncRef()
	d.Reset()
	if d.Flags() != 0 || d.Order() != 0 || d.Prev != NoLink || d.Next != NoLink {
		t.Fatal("expected Reset to clear order, flags and links")
	}
	if d.Refcount() != 1 {
		t.Fatal("expected Reset to preserve the reference count")
	}
}

func TestRefcountSaturates(t *testing.T) {
	var d Descriptor

	for i := uint32(1); i <= MaxRefcount+10; i++ {
		got := d.IncRef()
		if i <= MaxRefcount && got != i {
			t.Fatalf("expected IncRef to return %d; got %d", i, got)
		}
		if i > MaxRefcount && got != MaxRefcount {
			t.Fatalf("expected saturated refcount %d; got %d", MaxRefcount, got)
		}
	}

	if got := d.DecRef(); got != MaxRefcount {
		t.Fatalf("expected a saturated refcount to stay pinned; got %d", got)
	}

	d.SetRefcount(1000)
	if got := d.Refcount(); got != MaxRefcount {
		t.Fatalf("expected SetRefcount to clamp to %d; got %d", MaxRefcount, got)
	}
}

func TestRefcountUnderflowPanics(t *testing.T) {
	defer func() {
		if err := recover(); err != errRefcountUnderflow {
			t.Fatalf("expected panic with errRefcountUnderflow; got %v", err)
		}
	}()

	var d Descriptor
	d.IncRef()
	if got := d.DecRef(); got != 0 {
		t.Fatalf("expected refcount 0; got %d", got)
	}
	d.DecRef()
}

func TestRefcountConcurrentUpdates(t *testing.T) {
	var (
		d          Descriptor
		wg         sync.WaitGroup
		numWorkers = 8
	)

	d.SetRefcount(100)
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if worker%2 == 0 {
					d.IncRef()
				} else {
					d.DecRef()
				}
			}
		}(i)
	}
	wg.Wait()

	if exp, got := uint32(100), d.Refcount(); got != exp {
		t.Fatalf("expected refcount %d; got %d", exp, got)
	}
}
