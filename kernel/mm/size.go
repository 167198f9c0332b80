package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest PageOrder that is suitable for storing a block
// of this size. Depending on the size, Order() may return a page order that
// is not below MaxPageOrder.
func (s Size) Order() PageOrder {
	var order = PageOrder(0)
	for ; ; order++ {
		if Size(PageSize)<<order >= s {
			break
		}
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := Size(PageSize - 1)
	return uint32(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// PageOrder represents a power-of-two multiple of the base page size (PageSize)
// and is used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a page with size PageSize
// PageOrder(1) refers to a page with size PageSize * 2
// ...
// PageOrder(MaxPageOrder-1) refers to a page with size PageSize * 2^(MaxPageOrder-1)
type PageOrder uint8

// Pages returns the number of pages in a block of this order.
func (o PageOrder) Pages() uint32 {
	return 1 << o
}

// Size returns the size in bytes of a block of this order.
func (o PageOrder) Size() uintptr {
	return PageSize << o
}
