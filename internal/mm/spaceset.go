package mm

import "sync"

// SpaceSet is a simple per-VM address-space registry: the boot-time
// wiring point between vmcore's declared VMs and each VM's guest-physical
// reservations.
type SpaceSet struct {
	mu     sync.Mutex
	spaces map[uint32]*Space
}

// NewSpaceSet returns an empty set.
func NewSpaceSet() *SpaceSet {
	return &SpaceSet{spaces: make(map[uint32]*Space)}
}

// Add registers vmid's address space, spanning [base, base+size).
func (s *SpaceSet) Add(vmid uint32, base, size uint64) *Space {
	sp := NewSpace(base, size)
	s.mu.Lock()
	s.spaces[vmid] = sp
	s.mu.Unlock()
	return sp
}

// Get returns vmid's address space, if one was added.
func (s *SpaceSet) Get(vmid uint32) (*Space, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spaces[vmid]
	return sp, ok
}
