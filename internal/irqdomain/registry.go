package irqdomain

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// VCPULocator resolves a (vmid, vcpu id) pair to the pCPU it is pinned
// to. internal/vmcore implements it; irqdomain only consumes it, so the
// two packages don't import each other.
type VCPULocator interface {
	VCPUAffinityPCPU(vmid uint32, vcpuID int) (pcpu int, ok bool)
}

// Registry owns the two IRQ domains (SPI and Local) and the chip they
// route through. It is the Go stand-in for the module-level irq_domains
// table plus the free functions that operated on it.
type Registry struct {
	chip    irqchip.Chip
	numPCPU int
	locate  VCPULocator
	log     *logrus.Entry

	domains [numKinds]*domain
}

// NewRegistry builds a Registry with both domain kinds already
// registered (register_irq_domain for IRQ_DOMAIN_SPI and
// IRQ_DOMAIN_LOCAL) but with no IRQ ranges allocated yet — callers must
// still call CreateIRQs per kind.
func NewRegistry(chip irqchip.Chip, numPCPU int, locator VCPULocator, log *logrus.Entry) *Registry {
	r := &Registry{chip: chip, numPCPU: numPCPU, locate: locator, log: log}
	r.domains[SPI] = &domain{kind: SPI, impl: newSPIDomain(chip, locator)}
	r.domains[Local] = &domain{kind: Local, impl: newLocalDomain(numPCPU, locator)}
	return r
}

// Chip returns the chip the registry was constructed with, so other
// subsystems (virq) can drive it without holding a second reference.
func (r *Registry) Chip() irqchip.Chip { return r.chip }

// Init runs the chip's global init. It must run before any CreateIRQs
// call, matching vmm_irq_init's ordering (register domains, then init
// the chip, which allocates whatever ranges it owns).
func (r *Registry) Init() error {
	if err := r.chip.Init(); err != nil {
		return fmt.Errorf("irqdomain: chip init: %w", err)
	}
	return nil
}

// SecondaryInit brings up the chip's per-pCPU interface on a secondary
// core (vmm_irq_secondary_init).
func (r *Registry) SecondaryInit() error {
	if err := r.chip.SecondaryInit(); err != nil {
		return fmt.Errorf("irqdomain: chip secondary init: %w", err)
	}
	return nil
}

// CreateIRQs allocates the [start, start+count) hIRQ range for the given
// domain kind (irq_domain_create_irqs / irq_add_spi / irq_add_local).
func (r *Registry) CreateIRQs(kind Kind, start, count uint32) error {
	if count == 0 || count >= 1024 {
		return fmt.Errorf("irqdomain: invalid irq count %d: %w", count, hverr.ErrInvalidArgument)
	}
	d := r.domains[kind]
	if d == nil {
		return fmt.Errorf("irqdomain: unknown domain kind %v: %w", kind, hverr.ErrNotFound)
	}
	if err := d.impl.allocIRQs(start, count); err != nil {
		return err
	}
	d.start, d.count = start, count
	if r.log != nil {
		r.log.WithFields(logrus.Fields{"kind": kind, "start": start, "count": count}).
			Info("irq domain range created")
	}
	return nil
}

// GetIRQDomain finds the domain owning irq, if any.
func (r *Registry) GetIRQDomain(irq uint32) (Kind, bool) {
	for _, d := range r.domains {
		if d != nil && d.covers(irq) {
			return d.kind, true
		}
	}
	return 0, false
}

// GetIRQDesc resolves irq to its Desc. pcpu selects the replica for
// Local-domain irqs; it is ignored for SPI.
func (r *Registry) GetIRQDesc(pcpu int, irq uint32) (*Desc, bool) {
	for _, d := range r.domains {
		if d == nil || !d.covers(irq) {
			continue
		}
		return d.impl.getIRQDesc(pcpu, irq)
	}
	return nil, false
}

// VirqToIRQ searches every domain for the hIRQ mapped to vno, returning
// BadIRQ if none is pass-through.
func (r *Registry) VirqToIRQ(vno uint32) uint32 {
	for _, d := range r.domains {
		if d == nil {
			continue
		}
		if irq := d.impl.virqToIRQ(vno); irq != BadIRQ {
			return irq
		}
	}
	return BadIRQ
}

// RegisterIRQEntry installs res as a new descriptor in whichever domain
// owns res.HNo (vmm_register_irq_entry).
func (r *Registry) RegisterIRQEntry(res IRQResource) (*Desc, error) {
	kind, ok := r.GetIRQDomain(res.HNo)
	if !ok {
		return nil, fmt.Errorf("irqdomain: irq %d not backed by any domain: %w",
			res.HNo, hverr.ErrInvalidArgument)
	}
	return r.domains[kind].impl.registerIRQ(res)
}

// SetupIRQs asks every domain to push its descriptors' trigger type and
// affinity down to the chip (vmm_setup_irqs).
func (r *Registry) SetupIRQs() {
	for _, d := range r.domains {
		if d != nil {
			d.impl.setupIRQs(r.chip)
		}
	}
}

// IRQEnable masks or unmasks irq at the chip, skipping the call if the
// descriptor is already in the requested state (__irq_enable).
func (r *Registry) IRQEnable(pcpu int, irq uint32, enable bool) error {
	desc, ok := r.GetIRQDesc(pcpu, irq)
	if !ok {
		return fmt.Errorf("irqdomain: irq %d has no descriptor: %w", irq, hverr.ErrNotFound)
	}

	desc.mu.Lock()
	defer desc.mu.Unlock()

	if enable {
		if !desc.masked {
			return nil
		}
		r.chip.IRQUnmask(irq)
		desc.masked = false
	} else {
		if desc.masked {
			return nil
		}
		r.chip.IRQMask(irq)
		desc.masked = true
	}
	return nil
}

// VirqEnable is IRQEnable addressed by vIRQ number instead of hIRQ
// (__virq_enable); it is a no-op for vIRQs with no hardware backing.
func (r *Registry) VirqEnable(pcpu int, vno uint32, enable bool) error {
	irq := r.VirqToIRQ(vno)
	if irq == BadIRQ {
		return nil
	}
	return r.IRQEnable(pcpu, irq, enable)
}

// SetHandler installs a hypervisor-side handler on a VMM-owned
// descriptor, rejecting guest-owned ones (the registration half of the
// supplemented request_irq operation; unmasking is left to the caller).
func (r *Registry) SetHandler(pcpu int, irq uint32, h Handler, pdata any) error {
	if h == nil {
		return fmt.Errorf("irqdomain: nil handler for irq %d: %w", irq, hverr.ErrInvalidArgument)
	}
	desc, ok := r.GetIRQDesc(pcpu, irq)
	if !ok {
		return fmt.Errorf("irqdomain: irq %d has no descriptor: %w", irq, hverr.ErrNotFound)
	}
	if !desc.OwnerVMM {
		return fmt.Errorf("irqdomain: irq %d is not owned by the hypervisor: %w", irq, hverr.ErrNotFound)
	}
	desc.setHandler(h, pdata)
	return nil
}
