package mm

import (
	"fmt"

	"github.com/arcera-systems/armvisor/internal/hverr"
)

// PagePool is a flat bump allocator standing in for get_io_pages/
// get_io_page: a pool of physical page frames handed out and never
// reclaimed (armvisor's static VMs never tear down their vmboxes).
type PagePool struct {
	next  uint64
	limit uint64
}

// NewPagePool returns a pool spanning [base, base+size).
func NewPagePool(base, size uint64) *PagePool {
	return &PagePool{next: base, limit: base + size}
}

// Alloc hands out size bytes, rounded up to a page, as a contiguous
// physical range.
func (p *PagePool) Alloc(size uint64) (uint64, error) {
	size = alignUp(size, PageSize)
	base := p.next
	if base+size > p.limit || base+size < base {
		return 0, fmt.Errorf("mm: page pool exhausted requesting %d bytes: %w", size, hverr.ErrResourceExhausted)
	}
	p.next += size
	return base, nil
}
