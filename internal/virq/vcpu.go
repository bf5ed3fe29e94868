package virq

// VCPUHandle is the minimal view of a vCPU the injection path needs.
// internal/vmcore's VCPU satisfies it; virq never imports vmcore, so the
// dependency runs one way.
type VCPUHandle interface {
	VMID() uint32
	VCPUID() int
	PCPU() int
	IRQStruct() *Struct
}

// VMLookup resolves vCPU handles by (vmid, vcpu id), the Go stand-in for
// get_vcpu_by_id / get_vcpu_in_vm.
type VMLookup interface {
	GetVCPU(vmid uint32, vcpuID int) (VCPUHandle, bool)
}

// Scheduler is the external collaborator behind sched_vcpu/send_sgi: the
// only two primitives the virq core needs from the scheduler.
type Scheduler interface {
	// SchedVCPU marks vcpu runnable/reschedule-pending on its own pCPU.
	SchedVCPU(vcpu VCPUHandle, reason int)
	// SendSGI raises sgi on pcpu, the only cross-pCPU signal the virq
	// core ever issues.
	SendSGI(sgi uint32, pcpu int)
}

// Reschedule reasons passed to Scheduler.SchedVCPU; only one is needed
// today but the type keeps the call site self-describing.
const (
	ReasonIRQPending = iota
)
