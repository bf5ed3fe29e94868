// Package irqchip defines the hardware IRQ controller contract consumed
// by the rest of the hypervisor. The real chip driver (GICv3-like) is
// explicitly out of scope — it lives behind this interface so the
// virq/irqdomain cores never depend on a concrete chip.
package irqchip

// TriggerType is the hIRQ trigger configuration, set via irq_set_type.
type TriggerType uint8

const (
	TriggerUnknown TriggerType = iota
	TriggerLevel
	TriggerEdge
)

// VirqState mirrors the ARM GIC List Register states a virtual IRQ can
// be in from the hardware's point of view.
type VirqState uint8

const (
	StateInactive VirqState = iota
	StateOffline
	StatePending
	StateActive
)

func (s VirqState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateOffline:
		return "offline"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ListType distinguishes SGI delivery to one pCPU vs. a list of pCPUs.
// send_sgi in practice always targets a single-CPU mask; ListType is
// kept because the chip contract names it explicitly.
type ListType uint8

const (
	SGIToList ListType = iota
	SGIToOthers
	SGIToSelf
)

// VirqProgram is what gets handed to the chip to install a virtual IRQ
// into a List Register.
type VirqProgram struct {
	HIntno uint32
	VIntno uint32
	HW     bool
}

// Chip is the hardware IRQ controller contract. Every method is expected
// to be internally synchronized per its own contract; the hypervisor
// never re-enters it for the same hIRQ concurrently because hardware
// IRQs are pinned to a single pCPU.
type Chip interface {
	Init() error
	SecondaryInit() error

	// GetPendingIRQ returns the highest-priority pending hIRQ.
	GetPendingIRQ() (hno uint32, ok bool)
	IRQEoi(hno uint32)
	IRQDir(hno uint32)

	IRQMask(hno uint32)
	IRQUnmask(hno uint32)
	IRQSetType(hno uint32, t TriggerType)
	IRQSetAffinity(hno uint32, pcpu int)

	SendSGI(sgi uint32, lt ListType, pcpus []int)

	// SendVirq programs a List Register for the given vCPU-local slot
	// id on the current pCPU.
	SendVirq(slotID int, prog VirqProgram) error
	// GetVirqState returns the current LR state for the given slot.
	GetVirqState(slotID int) VirqState
}
