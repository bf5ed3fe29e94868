package irqdomain

import (
	"fmt"
	"sync"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// spiDomain is a flat array of Desc, one per hIRQ in [start, start+count).
type spiDomain struct {
	mu     sync.RWMutex
	start  uint32
	count  uint32
	descs  []*Desc
	chip   irqchip.Chip
	locate VCPULocator
}

func newSPIDomain(chip irqchip.Chip, locator VCPULocator) *spiDomain {
	return &spiDomain{chip: chip, locate: locator}
}

func (s *spiDomain) allocIRQs(start, count uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.count = start, count
	s.descs = make([]*Desc, count)
	return nil
}

func (s *spiDomain) getIRQDesc(pcpu int, irq uint32) (*Desc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if irq < s.start || irq >= s.start+s.count {
		return nil, false
	}
	d := s.descs[irq-s.start]
	return d, d != nil
}

func (s *spiDomain) virqToIRQ(vno uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.descs {
		if d != nil && !d.OwnerVMM && d.VNo == vno {
			return d.HNo
		}
	}
	return BadIRQ
}

func (s *spiDomain) registerIRQ(res IRQResource) (*Desc, error) {
	pcpu, err := initAffinity(res, s.locate)
	if err != nil {
		return nil, err
	}

	d := newDesc(res, pcpu)

	s.mu.Lock()
	defer s.mu.Unlock()
	if res.HNo < s.start || res.HNo >= s.start+s.count {
		return nil, fmt.Errorf("irqdomain: hno %d outside spi range [%d,%d): %w",
			res.HNo, s.start, s.start+s.count, hverr.ErrInvalidArgument)
	}
	s.descs[res.HNo-s.start] = d
	return d, nil
}

func (s *spiDomain) setupIRQs(chip irqchip.Chip) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.descs {
		if d == nil || d.OwnerVMM {
			continue
		}
		chip.IRQSetType(d.HNo, d.Type)
		chip.IRQSetAffinity(d.HNo, d.AffinityPCPU)
	}
}
