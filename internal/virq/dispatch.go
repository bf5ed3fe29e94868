package virq

import (
	"fmt"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/irqdomain"
)

// Dispatch is the top half run when a pCPU traps into the hypervisor on
// a physical interrupt: pull the pending hIRQ off the chip, EOI it, and
// either run the hypervisor's own handler or inject it into the owning
// guest vCPU (do_irq_handler).
func (inj *Injector) Dispatch(pcpu int) error {
	hno, ok := inj.chip.GetPendingIRQ()
	if !ok {
		return nil
	}
	inj.chip.IRQEoi(hno)

	desc, ok := inj.registry.GetIRQDesc(pcpu, hno)
	if !ok {
		return inj.badInt(hno)
	}

	if desc.OwnerVMM {
		return inj.handleVMMIRQ(pcpu, hno, desc)
	}
	return inj.handleGuestIRQ(pcpu, desc)
}

// badInt is do_bad_int: an hIRQ the chip reported but no domain claims.
func (inj *Injector) badInt(hno uint32) error {
	if inj.log != nil {
		inj.log.WithField("hno", hno).Error("handle bad irq, doing nothing")
	}
	inj.chip.IRQDir(hno)
	return fmt.Errorf("virq: unclaimed hno %d: %w", hno, hverr.ErrNotFound)
}

// handleVMMIRQ is do_handle_vmm_irq: the descriptor must be pinned to
// this pCPU and have a handler registered via RequestIRQ; the hIRQ is
// always deactivated on the way out regardless of outcome.
func (inj *Injector) handleVMMIRQ(pcpu int, hno uint32, desc *irqdomain.Desc) (err error) {
	defer inj.chip.IRQDir(hno)

	if desc.AffinityPCPU != pcpu {
		return fmt.Errorf("virq: hno %d does not belong to pcpu %d: %w", hno, pcpu, hverr.ErrInvalidArgument)
	}

	ok, err := desc.Invoke()
	if !ok {
		return fmt.Errorf("virq: hno %d has no vmm handler registered: %w", hno, hverr.ErrInvalidArgument)
	}
	if err != nil && inj.log != nil {
		inj.log.WithField("hno", hno).WithError(err).Error("vmm irq handler failed")
	}
	return err
}

// handleGuestIRQ is do_handle_guest_irq: resolve the owning vCPU and
// inject the hIRQ as a hardware-backed virq.
func (inj *Injector) handleGuestIRQ(pcpu int, desc *irqdomain.Desc) error {
	vcpu, ok := inj.vms.GetVCPU(desc.VMID, desc.AffinityVCPU)
	if !ok {
		return fmt.Errorf("virq: invalid vcpu for hno %d: %w", desc.HNo, hverr.ErrInvalidArgument)
	}
	return inj.Send(pcpu, vcpu, desc.VNo, desc.HNo, true)
}

// RequestIRQ installs handler on a VMM-owned hIRQ and unmasks it
// (request_irq): it refuses descriptors owned by a guest.
func (inj *Injector) RequestIRQ(pcpu int, irq uint32, handler irqdomain.Handler, pdata any) error {
	if err := inj.registry.SetHandler(pcpu, irq, handler, pdata); err != nil {
		return err
	}
	return inj.registry.IRQEnable(pcpu, irq, true)
}
