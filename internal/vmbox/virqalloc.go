package vmbox

import "sync"

// SequentialVirqAllocator is a minimal VirqAllocator: each VM gets its
// own monotonically increasing vIRQ counter, starting at base (the real
// alloc_vm_virq draws from a per-VM virtual IRQ number space disjoint
// from the hardware SPI/local domains; this is that space's simplest
// possible allocator).
type SequentialVirqAllocator struct {
	mu   sync.Mutex
	base uint32
	next map[uint32]uint32
}

// NewSequentialVirqAllocator returns an allocator whose first vIRQ for
// any VM is base.
func NewSequentialVirqAllocator(base uint32) *SequentialVirqAllocator {
	return &SequentialVirqAllocator{base: base, next: make(map[uint32]uint32)}
}

// AllocVirq hands out the next unused vIRQ number for vmid.
func (a *SequentialVirqAllocator) AllocVirq(vmid uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.next[vmid]
	if !ok {
		n = a.base
	}
	a.next[vmid] = n + 1
	return n, nil
}
