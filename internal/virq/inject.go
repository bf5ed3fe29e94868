package virq

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/irqchip"
	"github.com/arcera-systems/armvisor/internal/irqdomain"
	"github.com/arcera-systems/armvisor/internal/metrics"
)

// VMMReschedIRQ is the SGI number the injection path uses to kick a
// sleeping pCPU when it queues work for a vCPU that lives elsewhere
// (CONFIG_VMM_RESCHED_IRQ).
const VMMReschedIRQ = 1

// Injector wires the slot-table injection path to the chip, the IRQ
// domain registry, the scheduler, and whatever vCPU is currently running
// on each pCPU. It has no notion of "the current vCPU" the way the
// original's thread-local current_vcpu() does — callers always name the
// pCPU a top-half call is running on, and Injector resolves the sender
// from that.
type Injector struct {
	chip     irqchip.Chip
	registry *irqdomain.Registry
	sched    Scheduler
	vms      VMLookup
	current  func(pcpu int) VCPUHandle
	log      *logrus.Entry
}

// New builds an Injector. current resolves "the vCPU presently
// dispatched on pcpu", used to decide whether an injection is local or
// needs a cross-pCPU kick.
func New(chip irqchip.Chip, registry *irqdomain.Registry, sched Scheduler,
	vms VMLookup, current func(pcpu int) VCPUHandle, log *logrus.Entry) *Injector {
	return &Injector{chip: chip, registry: registry, sched: sched, vms: vms, current: current, log: log}
}

// sendVirq finds a free slot on target's irq struct and queues it
// offline, rejecting a duplicate in-flight hardware pINTID or a full
// table (__send_virq).
func sendVirq(target VCPUHandle, vno, hno uint32, hw bool) error {
	s := target.IRQStruct()

	s.mu.Lock()
	defer s.mu.Unlock()

	if hw {
		for i := range s.slots {
			if s.used[i] && s.slots[i].HIntno == hno {
				metrics.VirqDropped.WithLabelValues("duplicate_hw").Inc()
				return fmt.Errorf("virq: vcpu already has pirq %d pending/active: %w",
					hno, hverr.ErrAgain)
			}
		}
	}

	index := -1
	for i := range s.used {
		if !s.used[i] {
			index = i
			break
		}
	}
	if index == -1 {
		metrics.VirqDropped.WithLabelValues("slot_table_full").Inc()
		return fmt.Errorf("virq: no free slot to inject virq %d: %w", vno, hverr.ErrAgain)
	}

	s.used[index] = true
	s.slots[index] = Slot{
		ID:     index,
		HIntno: hno,
		VIntno: vno,
		HW:     hw,
		State:  irqchip.StateOffline,
	}
	s.slots[index].element = s.pending.PushBack(index)
	s.count++

	hwLabel := "0"
	if hw {
		hwLabel = "1"
	}
	metrics.VirqInjected.WithLabelValues(hwLabel).Inc()

	return nil
}

// Send is _send_virq: it queues the virq via sendVirq, then either kicks
// the target pCPU with a resched SGI (cross-pCPU) or nudges the
// scheduler directly (same pCPU, different vCPU).
func (inj *Injector) Send(senderPCPU int, target VCPUHandle, vno, hno uint32, hw bool) error {
	if err := sendVirq(target, vno, hno, hw); err != nil {
		return err
	}

	sender := inj.current(senderPCPU)

	if sender == nil || sender.PCPU() != target.PCPU() {
		metrics.VirqCrossPCPUKicks.Inc()
		inj.sched.SendSGI(VMMReschedIRQ, target.PCPU())
		return nil
	}

	if sender.VMID() != target.VMID() || sender.VCPUID() != target.VCPUID() {
		inj.sched.SchedVCPU(target, ReasonIRQPending)
	}

	return nil
}

// SendHW is send_virq_hw: resolve hno's descriptor, confirm vmid
// matches, resolve the owning vCPU, and inject as hardware.
func (inj *Injector) SendHW(senderPCPU int, vmid, vno, hno uint32) error {
	desc, ok := inj.registry.GetIRQDesc(senderPCPU, hno)
	if !ok {
		return fmt.Errorf("virq: no descriptor for hno %d: %w", hno, hverr.ErrNotFound)
	}
	if desc.VMID != vmid {
		return fmt.Errorf("virq: hno %d does not belong to vm %d: %w", hno, vmid, hverr.ErrInvalidArgument)
	}

	vcpu, ok := inj.vms.GetVCPU(vmid, desc.AffinityVCPU)
	if !ok {
		return fmt.Errorf("virq: vcpu %d not found in vm %d: %w", desc.AffinityVCPU, vmid, hverr.ErrNotFound)
	}

	return inj.Send(senderPCPU, vcpu, vno, hno, true)
}

// SendVirq is send_virq: a soft vIRQ with no hardware backing always
// targets vCPU 0 of the destination VM.
func (inj *Injector) SendVirq(senderPCPU int, vmid, vno uint32) error {
	vcpu, ok := inj.vms.GetVCPU(vmid, 0)
	if !ok {
		return fmt.Errorf("virq: vcpu 0 not found in vm %d: %w", vmid, hverr.ErrNotFound)
	}
	return inj.Send(senderPCPU, vcpu, vno, 0, false)
}

// SendVSGI is send_vsgi: deliver sgi to every vCPU set in targets
// belonging to the same VM as sender.
func (inj *Injector) SendVSGI(senderPCPU int, sender VCPUHandle, sgi uint32, targets []int) error {
	for _, id := range targets {
		vcpu, ok := inj.vms.GetVCPU(sender.VMID(), id)
		if !ok {
			continue
		}
		if err := inj.Send(senderPCPU, vcpu, sgi, 0, false); err != nil {
			return err
		}
	}
	return nil
}
