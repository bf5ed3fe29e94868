// Package fakechip is a software model of irqchip.Chip used by tests and
// by "armvisor boot" in dev mode when no real GICv3 backend is wired. A
// real chip driver is a hardware concern; this fake exists only to give
// the rest of the hypervisor something to drive end to end.
//
// Its List-Register bookkeeping mirrors the IAR/EOIR/ICFGR register
// contract of a GICv2/v3-style distributor and CPU interface, adapted
// from MMIO register polling to an in-process slot table.
package fakechip

import (
	"sync"

	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// Chip is a minimal, single-process stand-in for a GICv3-class chip.
type Chip struct {
	mu sync.Mutex

	pending []uint32 // FIFO of hIRQs raised via Raise, consumed by GetPendingIRQ
	masked  map[uint32]bool
	types   map[uint32]irqchip.TriggerType
	affin   map[uint32]int

	// lrState models the virtual CPU interface's List Registers,
	// keyed by the vCPU-local slot id passed to SendVirq.
	lrState map[int]irqchip.VirqState
	lrProg  map[int]irqchip.VirqProgram

	sgis []sgiCall
}

type sgiCall struct {
	SGI   uint32
	LT    irqchip.ListType
	PCPUs []int
}

// New returns a ready-to-use fake chip.
func New() *Chip {
	return &Chip{
		masked:  make(map[uint32]bool),
		types:   make(map[uint32]irqchip.TriggerType),
		affin:   make(map[uint32]int),
		lrState: make(map[int]irqchip.VirqState),
		lrProg:  make(map[int]irqchip.VirqProgram),
	}
}

func (c *Chip) Init() error          { return nil }
func (c *Chip) SecondaryInit() error { return nil }

// Raise enqueues hno as pending, as if the physical line had just fired.
func (c *Chip) Raise(hno uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, hno)
}

func (c *Chip) GetPendingIRQ() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, false
	}
	hno := c.pending[0]
	c.pending = c.pending[1:]
	return hno, true
}

func (c *Chip) IRQEoi(hno uint32) {}
func (c *Chip) IRQDir(hno uint32) {}

func (c *Chip) IRQMask(hno uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked[hno] = true
}

func (c *Chip) IRQUnmask(hno uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked[hno] = false
}

func (c *Chip) IsMasked(hno uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked[hno]
}

func (c *Chip) IRQSetType(hno uint32, t irqchip.TriggerType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[hno] = t
}

func (c *Chip) IRQSetAffinity(hno uint32, pcpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.affin[hno] = pcpu
}

func (c *Chip) Affinity(hno uint32) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.affin[hno]
	return p, ok
}

func (c *Chip) SendSGI(sgi uint32, lt irqchip.ListType, pcpus []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]int, len(pcpus))
	copy(cp, pcpus)
	c.sgis = append(c.sgis, sgiCall{SGI: sgi, LT: lt, PCPUs: cp})
}

// SGICalls returns the recorded SendSGI invocations, for test assertions.
func (c *Chip) SGICalls() []struct {
	SGI   uint32
	LT    irqchip.ListType
	PCPUs []int
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]struct {
		SGI   uint32
		LT    irqchip.ListType
		PCPUs []int
	}, len(c.sgis))
	for i, s := range c.sgis {
		out[i] = struct {
			SGI   uint32
			LT    irqchip.ListType
			PCPUs []int
		}{s.SGI, s.LT, s.PCPUs}
	}
	return out
}

func (c *Chip) SendVirq(slotID int, prog irqchip.VirqProgram) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lrProg[slotID] = prog
	c.lrState[slotID] = irqchip.StatePending
	return nil
}

func (c *Chip) GetVirqState(slotID int) irqchip.VirqState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.lrState[slotID]
	if !ok {
		return irqchip.StateInactive
	}
	return st
}

// CompleteVirq simulates the guest EOI'ing the LR for slotID: the next
// GetVirqState call (from irq_exit_from_guest) observes StateInactive.
func (c *Chip) CompleteVirq(slotID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lrState[slotID] = irqchip.StateInactive
}

// Program returns what was last programmed into slotID's LR, for test
// assertions.
func (c *Chip) Program(slotID int) (irqchip.VirqProgram, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.lrProg[slotID]
	return p, ok
}
