package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for both supported architectures is (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxPageOrder is the number of block orders managed by the buddy
	// allocator. Valid orders are 0 to MaxPageOrder-1 so the largest block
	// spans PageSize << (MaxPageOrder-1) bytes (4M).
	MaxPageOrder = PageOrder(11)
)
