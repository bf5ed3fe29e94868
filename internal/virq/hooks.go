package virq

import "github.com/arcera-systems/armvisor/internal/irqchip"

// EnterGuest drains vcpu's pending-list slots into the chip's List
// Registers right before the vCPU resumes guest execution
// (irq_enter_to_guest).
func EnterGuest(chip irqchip.Chip, vcpu VCPUHandle) {
	s := vcpu.IRQStruct()

	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.pending.Front(); e != nil; {
		next := e.Next()
		index := e.Value.(int)
		slot := &s.slots[index]

		slot.State = irqchip.StatePending
		_ = chip.SendVirq(index, irqchip.VirqProgram{
			HIntno: slot.HIntno,
			VIntno: slot.VIntno,
			HW:     slot.HW,
		})

		s.pending.Remove(e)
		slot.element = nil
		e = next
	}
}

// ExitGuest reclaims any slot the chip now reports inactive (the guest,
// or the chip on its behalf, has finished handling it) right after the
// vCPU traps back out of guest execution (irq_exit_from_guest).
func ExitGuest(chip irqchip.Chip, vcpu VCPUHandle) {
	s := vcpu.IRQStruct()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.used {
		if !s.used[i] || s.slots[i].State == irqchip.StateOffline {
			continue
		}

		if chip.GetVirqState(i) != irqchip.StateInactive {
			continue
		}

		s.count--
		s.used[i] = false
		s.slots[i] = Slot{ID: i, State: irqchip.StateInactive}
	}
}
