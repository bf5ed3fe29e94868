package irqdomain

import (
	"fmt"
	"sync"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// localDomain replicates one Desc per hIRQ *per pCPU*: SGI/PPI numbers
// never carry a single global routing, since send_sgi always targets a
// specific pCPU's own vector.
type localDomain struct {
	mu      sync.RWMutex
	start   uint32
	count   uint32
	numPCPU int
	descs   [][]*Desc // descs[pcpu][irq-start]
	locate  VCPULocator
}

func newLocalDomain(numPCPU int, locator VCPULocator) *localDomain {
	return &localDomain{numPCPU: numPCPU, locate: locator}
}

func (l *localDomain) allocIRQs(start, count uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start, l.count = start, count
	l.descs = make([][]*Desc, l.numPCPU)
	for i := range l.descs {
		l.descs[i] = make([]*Desc, count)
	}
	return nil
}

func (l *localDomain) getIRQDesc(pcpu int, irq uint32) (*Desc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if irq < l.start || irq >= l.start+l.count {
		return nil, false
	}
	if pcpu < 0 || pcpu >= len(l.descs) {
		return nil, false
	}
	d := l.descs[pcpu][irq-l.start]
	return d, d != nil
}

// virqToIRQ always reports BadIRQ: SGIs/PPIs never attach to a physical
// interrupt.
func (l *localDomain) virqToIRQ(vno uint32) uint32 {
	return BadIRQ
}

func (l *localDomain) registerIRQ(res IRQResource) (*Desc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.HNo < l.start || res.HNo >= l.start+l.count {
		return nil, fmt.Errorf("irqdomain: hno %d outside local range [%d,%d): %w",
			res.HNo, l.start, l.start+l.count, hverr.ErrInvalidArgument)
	}

	var last *Desc
	for pcpu := 0; pcpu < l.numPCPU; pcpu++ {
		pcpuRes := res
		d := newDesc(pcpuRes, pcpu)
		l.descs[pcpu][res.HNo-l.start] = d
		last = d
	}
	return last, nil
}

// setupIRQs is a no-op: trigger configuration for local IRQs is set when
// the chip itself initializes, not by the domain.
func (l *localDomain) setupIRQs(chip irqchip.Chip) {}
