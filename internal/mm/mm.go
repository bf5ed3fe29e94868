// Package mm implements the guest-physical address space bookkeeping a
// vmbox attach needs: reserving a free region in a VM's address space
// and recording what backs it. The actual stage-2 page table programming
// (mmu_map_vm_memory/map_vmm_area) is hypervisor-architecture-specific
// and out of scope here; this package keeps the allocator and the
// region ledger the rest of the core depends on.
package mm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arcera-systems/armvisor/internal/hverr"
)

// PageSize matches the architecture's base page granule.
const PageSize = 4096

// AreaFlags mirrors the VM_MAP_PT/VM_IO/VM_NORMAL bits a real vmm_area
// carries; armvisor only needs enough of them to tell a caller whether
// an area is device (uncached, no COW) or normal memory.
type AreaFlags uint32

const (
	FlagNone AreaFlags = 0
	FlagIO   AreaFlags = 1 << iota
	FlagMapPT
)

// Area is a reserved, optionally-backed range of a VM's guest-physical
// address space (vmm_area).
type Area struct {
	Start uint64
	Size  uint64
	Flags AreaFlags

	backed   bool
	physBase uint64
}

// End returns the exclusive upper bound of the area.
func (a Area) End() uint64 { return a.Start + a.Size }

// PA returns the physical address this area is mapped to, if Map has
// been called.
func (a Area) PA() (uint64, bool) { return a.physBase, a.backed }

// Space is one VM's guest-physical address space (struct mm_struct):
// a bounded range carved into free and reserved extents.
type Space struct {
	mu    sync.Mutex
	base  uint64
	limit uint64
	areas []*Area // reserved areas, kept sorted by Start
}

// NewSpace returns an empty address space spanning [base, base+size).
func NewSpace(base, size uint64) *Space {
	return &Space{base: base, limit: base + size}
}

// alignUp rounds v up to the next multiple of align (align must be a
// power of two), mirroring the PAGE_MASK rounding alloc_free_vmm_area
// applies to every request.
func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Reserve finds and reserves a free, align-aligned range of size bytes
// (alloc_free_vmm_area). It returns hverr.ErrResourceExhausted if the
// space has no gap large enough.
func (s *Space) Reserve(size, align uint64, flags AreaFlags) (*Area, error) {
	if size == 0 {
		return nil, fmt.Errorf("mm: zero-size reservation: %w", hverr.ErrInvalidArgument)
	}
	size = alignUp(size, PageSize)
	if align == 0 {
		align = PageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := alignUp(s.base, align)
	for _, a := range s.areas {
		if cursor+size <= a.Start {
			break
		}
		if cursor < a.End() {
			cursor = alignUp(a.End(), align)
		}
	}
	if cursor+size > s.limit || cursor+size < cursor {
		return nil, fmt.Errorf("mm: no gap for %d bytes: %w", size, hverr.ErrResourceExhausted)
	}

	area := &Area{Start: cursor, Size: size, Flags: flags}
	s.insert(area)
	return area, nil
}

// ReserveAt reserves the exact range [start, start+size), failing if it
// overlaps an existing reservation. Used for memory regions whose base
// address is statically declared rather than allocator-chosen.
func (s *Space) ReserveAt(start, size uint64, flags AreaFlags) (*Area, error) {
	if size == 0 {
		return nil, fmt.Errorf("mm: zero-size reservation: %w", hverr.ErrInvalidArgument)
	}
	end := start + size
	if start < s.base || end > s.limit || end < start {
		return nil, fmt.Errorf("mm: range [%#x,%#x) outside space: %w", start, end, hverr.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.areas {
		if start < a.End() && a.Start < end {
			return nil, fmt.Errorf("mm: range [%#x,%#x) overlaps existing area: %w", start, end, hverr.ErrInvalidArgument)
		}
	}

	area := &Area{Start: start, Size: size, Flags: flags}
	s.insert(area)
	return area, nil
}

func (s *Space) insert(area *Area) {
	i := sort.Search(len(s.areas), func(i int) bool { return s.areas[i].Start >= area.Start })
	s.areas = append(s.areas, nil)
	copy(s.areas[i+1:], s.areas[i:])
	s.areas[i] = area
}

// Map records that area is backed by the shared-memory (or device)
// region at physBase (map_vmm_area). It does not touch any real page
// table; it just marks the area's backing for later lookup.
func (s *Space) Map(area *Area, physBase uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	area.backed = true
	area.physBase = physBase
}

// Release removes area from the space, making its range available for
// future reservations.
func (s *Space) Release(area *Area) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.areas {
		if a == area {
			s.areas = append(s.areas[:i], s.areas[i+1:]...)
			return
		}
	}
}

// Areas returns every reserved area, sorted by start address.
func (s *Space) Areas() []*Area {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Area, len(s.areas))
	copy(out, s.areas)
	return out
}
