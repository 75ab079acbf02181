package sim

import (
	"sync"

	"github.com/ardnew/softhcd/hcd/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Allocator is a heap allocator that tracks outstanding descriptor lists
// and can be told to fail.
type Allocator struct {
	mu          sync.Mutex
	failNext    int
	outstanding int
}

// FailNext makes the next n allocations fail with [pkg.ErrNoMemory].
func (a *Allocator) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// Outstanding returns the number of lists allocated and not yet freed.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

func (a *Allocator) AllocDescriptors(n int) (hal.DescriptorList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext > 0 {
		a.failNext--
		return nil, pkg.ErrNoMemory
	}
	list, err := hal.HeapAllocator.AllocDescriptors(n)
	if err != nil {
		return nil, err
	}
	a.outstanding++
	return list, nil
}

func (a *Allocator) FreeDescriptors(list hal.DescriptorList) {
	if list == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outstanding--
}
