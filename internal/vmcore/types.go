// Package vmcore implements the static VM/vCPU lifecycle: declaring VMs
// and their memory regions from configuration, creating and pinning
// their vCPUs, and the boot-time state machine that brings every vCPU up
// to either READY (vCPU 0) or STOP (the rest), waiting for the scheduler
// to bring them online.
package vmcore

import (
	"github.com/arcera-systems/armvisor/internal/virq"
)

// MemoryType classifies a MemoryRegion the way the static declaration
// table does (parse_vm_memory's type field: 0x2 shared, 0x0 normal,
// anything else I/O).
type MemoryType uint8

const (
	MemNormal MemoryType = iota
	MemIO
	MemShared
)

// MemoryRegion is one entry from the static memory table, already
// resolved to either a specific VM or the cross-VM shared pool.
type MemoryRegion struct {
	Name string
	Base uint64
	Size uint64
	Type MemoryType
}

// VCPUState mirrors VCPU_STATE_READY/STOP: vCPU 0 of a VM starts ready
// to run, the rest wait for an explicit bring-up.
type VCPUState uint8

const (
	VCPUStop VCPUState = iota
	VCPUReady
	VCPURunning
)

func (s VCPUState) String() string {
	switch s {
	case VCPUStop:
		return "stop"
	case VCPUReady:
		return "ready"
	case VCPURunning:
		return "running"
	default:
		return "unknown"
	}
}

// VCPU is one virtual CPU belonging to a VM: its id, its pinned pCPU,
// its run state, and the per-vCPU virtual IRQ state the virq core
// injects into.
type VCPU struct {
	id          int
	vm          *VM
	pcpuAffin   int
	state       VCPUState
	entryPoint  uint64
	irqs        *virq.Struct
}

// VMID satisfies virq.VCPUHandle.
func (v *VCPU) VMID() uint32 { return v.vm.ID }

// VCPUID satisfies virq.VCPUHandle.
func (v *VCPU) VCPUID() int { return v.id }

// PCPU satisfies virq.VCPUHandle; it is the pCPU this vCPU is pinned to.
func (v *VCPU) PCPU() int { return v.pcpuAffin }

// IRQStruct satisfies virq.VCPUHandle.
func (v *VCPU) IRQStruct() *virq.Struct { return v.irqs }

// State returns the vCPU's current run state.
func (v *VCPU) State() VCPUState { return v.state }

// VM is one statically declared virtual machine.
type VM struct {
	ID         uint32
	Name       string
	Index      int
	EntryPoint uint64
	MMUOn      bool

	vcpus   []*VCPU
	regions []MemoryRegion
}

// VCPUCount returns how many vCPUs this VM declared.
func (vm *VM) VCPUCount() int { return len(vm.vcpus) }

// VCPU returns vm's vCPU by index.
func (vm *VM) VCPU(id int) (*VCPU, bool) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, false
	}
	return vm.vcpus[id], true
}

// Regions returns vm's private memory regions (not the shared pool).
func (vm *VM) Regions() []MemoryRegion {
	out := make([]MemoryRegion, len(vm.regions))
	copy(out, vm.regions)
	return out
}
