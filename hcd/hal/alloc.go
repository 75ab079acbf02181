package hal

import "github.com/ardnew/softhcd/pkg"

// Allocator provides DMA-capable memory for descriptor lists. It must not
// block and is never called from the interrupt handler.
type Allocator interface {
	AllocDescriptors(n int) (DescriptorList, error)
	FreeDescriptors(list DescriptorList)
}

// HeapAllocator allocates descriptor lists from the Go heap.
var HeapAllocator Allocator = heapAllocator{}

type heapAllocator struct{}

func (heapAllocator) AllocDescriptors(n int) (DescriptorList, error) {
	if n <= 0 {
		return nil, pkg.ErrInvalidArg
	}
	return make(DescriptorList, n), nil
}

func (heapAllocator) FreeDescriptors(DescriptorList) {}
