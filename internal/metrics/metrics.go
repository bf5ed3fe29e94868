// Package metrics holds the Prometheus collectors shared by the virq and
// vmbox cores. Counters live here instead of next to their call sites so
// a single registry wires into cmd/armvisor without every subsystem
// importing the prometheus client directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// VirqInjected counts successful __send_virq slot allocations, by
	// whether the source was hardware pass-through or a soft-injected
	// vIRQ/vSGI.
	VirqInjected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armvisor",
		Subsystem: "virq",
		Name:      "injected_total",
		Help:      "Virtual IRQs successfully queued onto a vCPU's slot table.",
	}, []string{"hw"})

	// VirqDropped counts __send_virq failures: slot table full or a
	// duplicate hardware pINTID already in flight.
	VirqDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armvisor",
		Subsystem: "virq",
		Name:      "dropped_total",
		Help:      "Virtual IRQs rejected by __send_virq.",
	}, []string{"reason"})

	// VirqCrossPCPUKicks counts the send_sgi resched kicks issued when
	// the injecting pCPU differs from the target vCPU's pCPU.
	VirqCrossPCPUKicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "armvisor",
		Subsystem: "virq",
		Name:      "cross_pcpu_kicks_total",
		Help:      "Cross-pCPU resched SGIs sent because the target vCPU runs elsewhere.",
	})

	// VmboxAttachTotal counts completed vmbox device attach protocols.
	VmboxAttachTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armvisor",
		Subsystem: "vmbox",
		Name:      "attach_total",
		Help:      "Completed vmbox device attach sequences.",
	}, []string{"role"})

	// VmboxIPCDoorbell counts vmbox IPC doorbell pokes, by whether the
	// retry budget was exhausted.
	VmboxIPCDoorbell = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armvisor",
		Subsystem: "vmbox",
		Name:      "ipc_doorbell_total",
		Help:      "vmbox IPC doorbell publish attempts.",
	}, []string{"outcome"})
)

// Registry returns a prometheus.Registerer with every collector above
// registered, ready for cmd/armvisor to expose on an HTTP handler.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(VirqInjected, VirqDropped, VirqCrossPCPUKicks,
		VmboxAttachTotal, VmboxIPCDoorbell)
	return r
}
