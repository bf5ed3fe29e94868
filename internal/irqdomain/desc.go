package irqdomain

import (
	"sync"

	"github.com/arcera-systems/armvisor/internal/irqchip"
)

// VMMOwnerVMID is the sentinel VMID marking a descriptor as owned by the
// hypervisor itself rather than routed to a guest vCPU.
const VMMOwnerVMID = 0xffff

// BadIRQ is returned by VirqToIRQ when no hIRQ is mapped to the given vIRQ.
const BadIRQ uint32 = 0xffffffff

// Handler is a hypervisor-side callback for a VMM-owned hIRQ, registered
// via Registry.SetHandler (the registration half of the supplemented
// request_irq operation).
type Handler func(hno uint32, data any) error

// IRQResource is the declarative description of one hIRQ-to-vIRQ mapping,
// the Go-native stand-in for the static irq_resource table a real build
// would carry per board.
type IRQResource struct {
	HNo      uint32
	VNo      uint32
	VMID     uint32
	Affinity int // vCPU id within VMID's VM; ignored when VMID == VMMOwnerVMID
	Type     irqchip.TriggerType
	Name     string
}

// Desc is one hIRQ's routing descriptor: whether it belongs to the
// hypervisor or a guest, which vCPU/pCPU it is pinned to, and its current
// mask state.
type Desc struct {
	mu sync.Mutex

	HNo  uint32
	VNo  uint32
	VMID uint32
	Name string
	Type irqchip.TriggerType

	OwnerVMM     bool
	AffinityVCPU int
	AffinityPCPU int

	masked bool

	handler Handler
	pdata   any
}

func newDesc(res IRQResource, affinityPCPU int) *Desc {
	d := &Desc{
		HNo:          res.HNo,
		Name:         res.Name,
		Type:         res.Type,
		AffinityVCPU: res.Affinity,
		AffinityPCPU: affinityPCPU,
		masked:       true,
	}
	if res.VMID == VMMOwnerVMID {
		d.OwnerVMM = true
		return d
	}
	d.VNo = res.VNo
	d.VMID = res.VMID
	return d
}

// Masked reports the descriptor's current mask state.
func (d *Desc) Masked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.masked
}

func (d *Desc) setMasked(v bool) {
	d.mu.Lock()
	d.masked = v
	d.mu.Unlock()
}

func (d *Desc) setHandler(h Handler, pdata any) {
	d.mu.Lock()
	d.handler = h
	d.pdata = pdata
	d.mu.Unlock()
}

// Invoke runs the registered VMM handler, if any. ok is false when no
// handler has been registered via Registry.SetHandler yet.
func (d *Desc) Invoke() (ok bool, err error) {
	d.mu.Lock()
	h, pdata := d.handler, d.pdata
	d.mu.Unlock()
	if h == nil {
		return false, nil
	}
	return true, h(d.HNo, pdata)
}
