package vmm

import (
	"testing"

	"github.com/WhaleFall-UESTC/HANA-sub000/kernel"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/cpu"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pfn"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/physmem"
	"github.com/WhaleFall-UESTC/HANA-sub000/kernel/mm/pmm"
)

const testRAMBase = uintptr(0x80000000)

type testEnv struct {
	mem    *physmem.Memory
	frames *pfn.Tracker
	buddy  *pmm.BuddyAllocator
}

func newTestEnv(t *testing.T, pages uintptr) *testEnv {
	t.Helper()

	mem, err := physmem.New(testRAMBase, pages*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	frames, err := pfn.New(mem.Base(), mem.End())
	if err != nil {
		t.Fatal(err)
	}

	var buddy pmm.BuddyAllocator
	if err := buddy.Init(frames, mem.Base(), mem.End()); err != nil {
		t.Fatal(err)
	}

	return &testEnv{mem: mem, frames: frames, buddy: &buddy}
}

func (env *testEnv) allocPage(t *testing.T) uintptr {
	t.Helper()

	frame, err := env.buddy.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	return frame.Address()
}

// limitedAllocator fails once it has handed out the allowed number of
// frames.
type limitedAllocator struct {
	mm.FrameAllocator
	remaining int
}

var errAllocLimit = &kernel.Error{Module: "test", Message: "allocation limit reached"}

func (a *limitedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.remaining == 0 {
		return mm.InvalidFrame, errAllocLimit
	}
	a.remaining--
	return a.FrameAllocator.AllocFrame()
}

func newTable[F Format](t *testing.T, env *testEnv, pages mm.FrameAllocator) *PageTable[F] {
	t.Helper()

	if pages == nil {
		pages = env.buddy
	}

	pt, err := New[F](env.mem, pages, env.frames)
	if err != nil {
		t.Fatal(err)
	}
	return pt
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		if err := recover(); err != expErr {
			t.Errorf("expected panic with error %v; got %v", expErr, err)
		}
	}()

	fn()
}

func testMapRoundTrip[F Format](t *testing.T) {
	env := newTestEnv(t, 64)
	pt := newTable[F](t, env, nil)

	if desc := env.frames.LookupAddress(pt.Root()); !desc.HasFlags(pfn.FlagPageTable) {
		t.Fatal("expected root table frame to be tagged with FlagPageTable")
	}

	var (
		va    = uintptr(0x3ff000)
		pages [3]uintptr
	)
	for i := range pages {
		pages[i] = env.allocPage(t)
	}

	for i, pa := range pages {
		if err := pt.MapPages(va+uintptr(i)*mm.PageSize, pa, 100, FlagRead|FlagRW|FlagUser); err != nil {
			t.Fatal(err)
		}
	}

	for i, pa := range pages {
		for _, off := range []uintptr{0, 1, 0x123, mm.PageSize - 1} {
			got, err := pt.WalkAddr(va + uintptr(i)*mm.PageSize + off)
			if err != nil {
				t.Fatalf("[page %d] unexpected error: %v", i, err)
			}

			if exp := pa + off; got != exp {
				t.Errorf("[page %d] expected WalkAddr to return 0x%x; got 0x%x", i, exp, got)
			}
		}

		if got := env.frames.LookupAddress(pa).Refcount(); got != 1 {
			t.Errorf("[page %d] expected refcount 1; got %d", i, got)
		}
	}

	pt.Unmap(va, uintptr(len(pages)), true)
	for i := range pages {
		if _, err := pt.WalkAddr(va + uintptr(i)*mm.PageSize); err != ErrInvalidMapping {
			t.Errorf("[page %d] expected ErrInvalidMapping after unmap; got %v", i, err)
		}
	}

	if _, err := pt.WalkAddr(pt.MaxVA()); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping for an address beyond MaxVA; got %v", err)
	}
}

func TestMapRoundTrip(t *testing.T) {
	t.Run("sv39", testMapRoundTrip[Sv39])
	t.Run("la64", testMapRoundTrip[LA64])
}

func testMapRange[F Format](t *testing.T) {
	env := newTestEnv(t, 64)
	pt := newTable[F](t, env, nil)

	// An unaligned range touching 3 pages.
	va, pa := uintptr(0x10800), env.allocPage(t)
	if err := pt.IdentityMapRegion(pa, 10, FlagRead|FlagRW); err != nil {
		t.Fatal(err)
	}

	if got, err := pt.Translate(pa + 5); err != nil || got != pa+5 {
		t.Fatalf("expected identity translation for 0x%x; got 0x%x (err: %v)", pa+5, got, err)
	}

	if got := env.frames.LookupAddress(pa).Refcount(); got != 0 {
		t.Fatalf("expected identity mappings to leave the refcount untouched; got %d", got)
	}

	if err := pt.MapPages(va, 0x10000000, 2*mm.PageSize, FlagRead|FlagUser); err != nil {
		t.Fatal(err)
	}

	for i, exp := range []uintptr{0x10000800, 0x10001800, 0x10002800} {
		if got, err := pt.WalkAddr(va + uintptr(i)*mm.PageSize); err != nil || got != exp {
			t.Errorf("[page %d] expected 0x%x; got 0x%x (err: %v)", i, exp, got, err)
		}
	}
}

func TestMapRange(t *testing.T) {
	t.Run("sv39", testMapRange[Sv39])
	t.Run("la64", testMapRange[LA64])
}

func TestMapPagesMalformedRequests(t *testing.T) {
	env := newTestEnv(t, 64)
	pt := newTable[Sv39](t, env, nil)
	pa := env.allocPage(t)

	if err := pt.MapPages(0x1000, pa, mm.PageSize, FlagRead); err != nil {
		t.Fatal(err)
	}

	expectPanic(t, errZeroSize, func() { _ = pt.MapPages(0x2000, pa, 0, FlagRead) })
	expectPanic(t, errRemap, func() { _ = pt.MapPages(0x1000, pa, mm.PageSize, FlagRead) })
	expectPanic(t, errVirtAddrRange, func() { _ = pt.MapPages(pt.MaxVA(), pa, mm.PageSize, FlagRead) })
	expectPanic(t, errMisaligned, func() { pt.Unmap(0x1001, 1, false) })
}

func testMapPagesRollback[F Format](t *testing.T) {
	env := newTestEnv(t, 64)

	var f F
	initialFree := env.buddy.FreePages()

	// The root plus the intermediate tables for the first 2M region.
	pages := &limitedAllocator{FrameAllocator: env.buddy, remaining: f.Levels()}
	pt := newTable[F](t, env, pages)
	pa := env.allocPage(t)
	data := env.allocPage(t)

	// The range crosses into a second 2M region which requires a new leaf
	// table.
	va := uintptr(0x1fe000)
	freeBefore := env.buddy.FreePages()
	err := pt.MapPages(va, pa, 3*mm.PageSize, FlagRead|FlagUser)
	if err != errAllocLimit {
		t.Fatalf("expected allocation error; got %v", err)
	}

	// Every table below the root for the first region stays allocated.
	if exp, got := freeBefore-uint32(f.Levels()-1), env.buddy.FreePages(); got != exp {
		t.Errorf("expected %d free pages after rollback; got %d", exp, got)
	}

	for page := va; page < va+3*mm.PageSize; page += mm.PageSize {
		if _, _, err := pt.Lookup(page); err != ErrInvalidMapping {
			t.Errorf("expected 0x%x to be unmapped after rollback; got %v", page, err)
		}
	}

	for _, addr := range []uintptr{pa, pa + mm.PageSize} {
		if desc := env.frames.LookupAddress(addr); desc.Refcount() != 0 {
			t.Errorf("expected refcount of 0x%x to be restored to 0; got %d", addr, desc.Refcount())
		}
	}

	// The tables allocated before the failure remain usable.
	pages.remaining = 1
	if err := pt.MapPages(va, data, mm.PageSize, FlagRead|FlagUser); err != nil {
		t.Fatal(err)
	}

	pt.Unmap(va, 1, true)
	env.buddy.Free(pa)
	pt.Free()

	if got := env.buddy.FreePages(); got != initialFree {
		t.Fatalf("expected %d free pages after releasing everything; got %d", initialFree, got)
	}
}

func TestMapPagesRollback(t *testing.T) {
	t.Run("sv39", testMapPagesRollback[Sv39])
	t.Run("la64", testMapPagesRollback[LA64])
}

func TestWalkAddrRequiresUser(t *testing.T) {
	env := newTestEnv(t, 64)
	pt := newTable[LA64](t, env, nil)
	pa := env.allocPage(t)

	if err := pt.MapPages(0x4000, pa, mm.PageSize, FlagRead|FlagRW); err != nil {
		t.Fatal(err)
	}

	if _, err := pt.WalkAddr(0x4000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for a kernel-only page; got %v", err)
	}

	if got, err := pt.Translate(0x4010); err != nil || got != pa+0x10 {
		t.Fatalf("expected Translate to return 0x%x; got 0x%x (err: %v)", pa+0x10, got, err)
	}

	if _, err := pt.Walk(0x40000000, false); err != ErrInvalidMapping {
		t.Fatalf("expected walk without allocation to fail for a missing table; got %v", err)
	}
}

func TestProtectAndRemap(t *testing.T) {
	defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(va uintptr) { flushed = append(flushed, va) }

	env := newTestEnv(t, 64)
	pt := newTable[Sv39](t, env, nil)
	oldPage, newPage := env.allocPage(t), env.allocPage(t)

	if err := pt.MapPages(0x5000, oldPage, mm.PageSize, FlagRead|FlagRW|FlagUser); err != nil {
		t.Fatal(err)
	}

	if err := pt.Protect(0x5123, FlagCopyOnWrite, FlagRW); err != nil {
		t.Fatal(err)
	}

	_, flags, err := pt.Lookup(0x5000)
	if err != nil {
		t.Fatal(err)
	}
	if flags.HasFlags(FlagRW) || !flags.HasFlags(FlagCopyOnWrite|FlagUser) {
		t.Fatalf("expected read-only COW mapping; got flags %b", flags)
	}

	if len(flushed) != 1 || flushed[0] != 0x5000 {
		t.Fatalf("expected a single TLB flush for 0x5000; got %x", flushed)
	}

	freeBefore := env.buddy.FreePages()
	if err := pt.Remap(0x5000, mm.FrameFromAddress(newPage), FlagRead|FlagRW|FlagUser); err != nil {
		t.Fatal(err)
	}

	if got, _ := pt.WalkAddr(0x5000); got != newPage {
		t.Fatalf("expected 0x5000 to map 0x%x; got 0x%x", newPage, got)
	}

	if exp, got := freeBefore+1, env.buddy.FreePages(); got != exp {
		t.Fatalf("expected the unreferenced old page to be freed (%d free pages); got %d", exp, got)
	}

	if got := env.frames.LookupAddress(newPage).Refcount(); got != 1 {
		t.Fatalf("expected new page refcount 1; got %d", got)
	}

	if err := pt.Protect(0x9000, FlagRW, 0); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping when protecting an unmapped page; got %v", err)
	}

	if err := pt.Remap(0x9000, mm.FrameFromAddress(newPage), FlagRead); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping when remapping an unmapped page; got %v", err)
	}
}

func testCopyCOW[F Format](t *testing.T) {
	env := newTestEnv(t, 64)
	parent := newTable[F](t, env, nil)
	child := newTable[F](t, env, nil)
	sharedChild := newTable[F](t, env, nil)

	rw, ro := env.allocPage(t), env.allocPage(t)
	if err := parent.MapPages(0x1000, rw, mm.PageSize, FlagRead|FlagRW|FlagUser); err != nil {
		t.Fatal(err)
	}
	if err := parent.MapPages(0x2000, ro, mm.PageSize, FlagRead|FlagUser); err != nil {
		t.Fatal(err)
	}

	if err := parent.CopyCOW(child, 0x1000, 0x3000, false); err != nil {
		t.Fatal(err)
	}

	for _, pt := range []*PageTable[F]{parent, child} {
		_, flags, err := pt.Lookup(0x1000)
		if err != nil {
			t.Fatal(err)
		}
		if flags.HasFlags(FlagRW) || !flags.HasFlags(FlagCopyOnWrite) {
			t.Errorf("expected writable page to become read-only COW; got flags %b", flags)
		}

		_, flags, _ = pt.Lookup(0x2000)
		if flags.HasAnyFlag(FlagRW | FlagCopyOnWrite) {
			t.Errorf("expected read-only page to stay read-only without COW; got flags %b", flags)
		}

		if got, _ := pt.WalkAddr(0x1000); got != rw {
			t.Errorf("expected 0x1000 to map 0x%x; got 0x%x", rw, got)
		}
	}

	if got := env.frames.LookupAddress(rw).Refcount(); got != 2 {
		t.Fatalf("expected refcount 2 after COW copy; got %d", got)
	}

	// Restore the writable mapping in the parent and share it.
	if err := parent.Protect(0x1000, FlagRW, FlagCopyOnWrite); err != nil {
		t.Fatal(err)
	}
	if err := parent.CopyCOW(sharedChild, 0x1000, 0x2000, true); err != nil {
		t.Fatal(err)
	}

	_, flags, _ := sharedChild.Lookup(0x1000)
	if !flags.HasFlags(FlagRW) || flags.HasFlags(FlagCopyOnWrite) {
		t.Fatalf("expected shared mapping to stay writable; got flags %b", flags)
	}

	if got := env.frames.LookupAddress(rw).Refcount(); got != 3 {
		t.Fatalf("expected refcount 3; got %d", got)
	}

	for _, pt := range []*PageTable[F]{parent, child, sharedChild} {
		pt.Unmap(0x1000, 2, true)
		pt.Free()
	}

	if got := env.buddy.FreePages(); got != env.buddy.TotalPages() {
		t.Fatalf("expected all pages to be freed; %d of %d free", got, env.buddy.TotalPages())
	}
}

func TestCopyCOW(t *testing.T) {
	t.Run("sv39", testCopyCOW[Sv39])
	t.Run("la64", testCopyCOW[LA64])
}

func TestCopyCOWFormatMismatch(t *testing.T) {
	env := newTestEnv(t, 64)
	parent := newTable[Sv39](t, env, nil)
	child := newTable[LA64](t, env, nil)

	expectPanic(t, errFormatMismatch, func() { _ = parent.CopyCOW(child, 0, mm.PageSize, false) })
}

func TestCopyCOWRollback(t *testing.T) {
	env := newTestEnv(t, 64)
	parent := newTable[Sv39](t, env, nil)
	pages := &limitedAllocator{FrameAllocator: env.buddy, remaining: 3}
	child := newTable[Sv39](t, env, pages)

	// Two pages in different 2M regions; the child can only build the
	// tables for the first one.
	first, second := env.allocPage(t), env.allocPage(t)
	if err := parent.MapPages(0x1000, first, mm.PageSize, FlagRead|FlagRW|FlagUser); err != nil {
		t.Fatal(err)
	}
	if err := parent.MapPages(0x201000, second, mm.PageSize, FlagRead|FlagRW|FlagUser); err != nil {
		t.Fatal(err)
	}

	if err := parent.CopyCOW(child, 0, 0x400000, false); err != errAllocLimit {
		t.Fatalf("expected allocation error; got %v", err)
	}

	if _, _, err := child.Lookup(0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected child mappings to be rolled back; got %v", err)
	}

	for _, pa := range []uintptr{first, second} {
		if got := env.frames.LookupAddress(pa).Refcount(); got != 1 {
			t.Errorf("expected refcount of 0x%x to be 1; got %d", pa, got)
		}
	}
}

func TestFreeWithLeafPanics(t *testing.T) {
	env := newTestEnv(t, 64)
	pt := newTable[Sv39](t, env, nil)

	if err := pt.MapPages(0x1000, env.allocPage(t), mm.PageSize, FlagRead); err != nil {
		t.Fatal(err)
	}

	expectPanic(t, errLeafPresent, pt.Free)
}

func TestGrowShrink(t *testing.T) {
	env := newTestEnv(t, 64)
	pt := newTable[Sv39](t, env, nil)

	size, err := pt.Grow(0, 3*mm.PageSize+10, FlagRW)
	if err != nil {
		t.Fatal(err)
	}

	if exp := 3*mm.PageSize + 10; size != exp {
		t.Fatalf("expected new size %d; got %d", exp, size)
	}

	for page := uintptr(0); page < 4*mm.PageSize; page += mm.PageSize {
		pa, err := pt.WalkAddr(page)
		if err != nil {
			t.Fatalf("expected 0x%x to be mapped; got %v", page, err)
		}

		b, _ := env.mem.Page(pa)
		for i, v := range b {
			if v != 0 {
				t.Fatalf("expected page 0x%x to be cleared; byte %d is %d", page, i, v)
			}
		}
	}

	freeBefore := env.buddy.FreePages()
	if got := pt.Shrink(size, mm.PageSize); got != mm.PageSize {
		t.Fatalf("expected Shrink to return %d; got %d", mm.PageSize, got)
	}

	if exp, got := freeBefore+3, env.buddy.FreePages(); got != exp {
		t.Fatalf("expected %d free pages; got %d", exp, got)
	}

	if _, err := pt.WalkAddr(mm.PageSize); err != ErrInvalidMapping {
		t.Fatalf("expected 0x1000 to be unmapped; got %v", err)
	}
}

func TestGrowFailureReleasesPages(t *testing.T) {
	env := newTestEnv(t, 64)
	pages := &limitedAllocator{FrameAllocator: env.buddy, remaining: 5}
	pt := newTable[Sv39](t, env, pages)
	freeBefore := env.buddy.FreePages()

	// The root is already allocated. The first page and its 2 tables and
	// the second page fit; the third page fails.
	size, err := pt.Grow(mm.PageSize, 5*mm.PageSize, FlagRW)
	if err != errAllocLimit {
		t.Fatalf("expected allocation error; got %v", err)
	}

	if size != mm.PageSize {
		t.Fatalf("expected size to stay at %d; got %d", mm.PageSize, size)
	}

	// Only the two intermediate tables stay allocated.
	if exp, got := freeBefore-2, env.buddy.FreePages(); got != exp {
		t.Fatalf("expected %d free pages; got %d", exp, got)
	}
}

func TestActivate(t *testing.T) {
	defer func(orig func(uintptr)) { switchPageTableFn = orig }(switchPageTableFn)

	var active uintptr
	switchPageTableFn = func(root uintptr) { active = root }

	env := newTestEnv(t, 64)
	pt := newTable[Sv39](t, env, nil)
	pt.Activate()

	if active != pt.Root() {
		t.Fatalf("expected active root 0x%x; got 0x%x", pt.Root(), active)
	}

	switchPageTableFn = cpu.SwitchPageTable
	pt.Activate()
	if got := cpu.ActivePageTable(); got != pt.Root() {
		t.Fatalf("expected cpu active root 0x%x; got 0x%x", pt.Root(), got)
	}
}
