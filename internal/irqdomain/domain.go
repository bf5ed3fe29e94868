// Package irqdomain implements the SPI and per-pCPU-local IRQ domains: the
// flat or per-pCPU-replicated tables of Desc that route a hardware
// interrupt number to either a hypervisor-owned handler or a guest vCPU,
// and the Registry that owns them.
package irqdomain

import (
	"fmt"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// Kind names the two domain shapes a board declares hIRQ ranges in.
type Kind uint8

const (
	// SPI is a shared peripheral interrupt: one descriptor per hIRQ,
	// globally addressable from any pCPU.
	SPI Kind = iota
	// Local is an SGI/PPI: one descriptor per hIRQ *per pCPU*, since
	// these never carry a single global routing (send_sgi targets a
	// specific pCPU's own local vector).
	Local

	numKinds
)

func (k Kind) String() string {
	switch k {
	case SPI:
		return "spi"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// ops is the domain-shape vtable, mirroring irq_domain_ops. Each Kind
// has exactly one implementation, constructed once by the Registry.
type ops interface {
	allocIRQs(start, count uint32) error
	getIRQDesc(pcpu int, irq uint32) (*Desc, bool)
	virqToIRQ(vno uint32) uint32
	registerIRQ(res IRQResource) (*Desc, error)
	setupIRQs(chip irqchip.Chip)
}

// domain pairs a Kind's ops with the [start, start+count) range it was
// given at creation time.
type domain struct {
	kind  Kind
	start uint32
	count uint32
	impl  ops
}

func (d *domain) covers(irq uint32) bool {
	return d.count > 0 && irq >= d.start && irq < d.start+d.count
}

func initAffinity(res IRQResource, locator VCPULocator) (pcpu int, err error) {
	if res.VMID == VMMOwnerVMID {
		return 0, nil
	}
	pcpu, ok := locator.VCPUAffinityPCPU(res.VMID, res.Affinity)
	if !ok {
		return 0, fmt.Errorf("irqdomain: vcpu %d not found for vm %d: %w",
			res.Affinity, res.VMID, hverr.ErrNotFound)
	}
	return pcpu, nil
}
