// Package virq is the per-vCPU virtual IRQ core: the fixed-capacity slot
// table each vCPU carries, the injection path that programs those slots
// and kicks the owning pCPU, the guest-entry/exit hooks that drain them
// through the chip, and the top-half dispatch that turns a chip's
// pending hIRQ into either a hypervisor-side handler call or a guest
// injection.
package virq

import (
	"container/list"
	"sync"

	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// MaxActiveIRQs bounds how many virtual IRQs a single vCPU can have
// in flight (offline, pending, or active) at once — the fixed-size slot
// pool a real build sizes via CONFIG_VCPU_MAX_ACTIVE_IRQS.
const MaxActiveIRQs = 32

// Slot is one virtual IRQ occupying a vCPU's slot table.
type Slot struct {
	ID      int
	HIntno  uint32
	VIntno  uint32
	HW      bool
	State   irqchip.VirqState
	element *list.Element // position in Struct.pending, nil when not queued
}

// Struct is the per-vCPU virtual interrupt state: a bitmap-backed pool of
// Slots plus the FIFO of slots still waiting to be pushed into a List
// Register on guest entry.
type Struct struct {
	mu sync.Mutex

	slots   [MaxActiveIRQs]Slot
	used    [MaxActiveIRQs]bool
	pending *list.List
	count   int // slots currently offline/pending/active
}

// NewStruct returns a zeroed, ready-to-use per-vCPU irq struct
// (vcpu_irq_struct_init).
func NewStruct() *Struct {
	s := &Struct{pending: list.New()}
	for i := range s.slots {
		s.slots[i] = Slot{ID: i, State: irqchip.StateInactive}
	}
	return s
}

// HasPending reports whether any slot is still waiting to be delivered
// to the chip (vcpu_has_irq_pending).
func (s *Struct) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len() > 0
}

// Count returns the number of slots currently in use.
func (s *Struct) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
