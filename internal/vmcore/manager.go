package vmcore

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arcera-systems/armvisor/internal/hverr"
	"github.com/arcera-systems/armvisor/internal/virq"
)

// VMDecl is one statically declared VM (the Go-native stand-in for the
// linker-section vm_entry_t table).
type VMDecl struct {
	ID             uint32
	Name           string
	EntryPoint     uint64
	MMUOn          bool
	VCPUAffinities []int // declared pCPU preference per vCPU index
}

// MemoryRegionDecl is one statically declared memory region, the
// Go-native stand-in for the linker-section vmm_memory_region table.
type MemoryRegionDecl struct {
	Name string
	Base uint64
	End  uint64
	// Kind is 0x0 (normal, per-VM), 0x2 (shared across VMs), or any
	// other value (I/O, per-VM) — mirrors parse_vm_memory's raw type
	// byte so config decoding doesn't need its own enum.
	Kind uint8
	VMID uint32
}

// PlacementPolicy decides which pCPU a vCPU is pinned to
// (pcpu_affinity). ok is false for PCPU_AFFINITY_FAIL — a fatal
// misconfiguration the caller is expected to treat as unrecoverable.
type PlacementPolicy interface {
	Affinity(vmID uint32, vcpuID int, declared int) (pcpu int, ok bool)
}

// StaticAffinity is the simplest PlacementPolicy: trust the declared
// affinity outright, provided it's within [0, numPCPU).
type StaticAffinity struct {
	NumPCPU int
}

func (p StaticAffinity) Affinity(vmID uint32, vcpuID int, declared int) (int, bool) {
	if declared < 0 || declared >= p.NumPCPU {
		return 0, false
	}
	return declared, true
}

// Manager owns every declared VM (vmm_add_vm/parse_all_vms/init_vms
// folded into one type) and implements both virq.VMLookup and
// irqdomain.VCPULocator so the irq cores never need their own copy of
// the VM table.
type Manager struct {
	log    *logrus.Entry
	policy PlacementPolicy

	vms    map[uint32]*VM
	order  []*VM
	shared []MemoryRegion
}

// NewManager returns an empty Manager; call AddVM per declaration then
// InitVMs once all declarations are loaded.
func NewManager(policy PlacementPolicy, log *logrus.Entry) *Manager {
	return &Manager{policy: policy, log: log, vms: make(map[uint32]*VM)}
}

// AddVM registers a VM declaration (vmm_add_vm). It does not create
// vCPUs yet; that happens in InitVMs once every VM and memory region is
// known.
func (m *Manager) AddVM(decl VMDecl) error {
	if _, exists := m.vms[decl.ID]; exists {
		return fmt.Errorf("vmcore: duplicate vmid %d: %w", decl.ID, hverr.ErrInvalidArgument)
	}

	vm := &VM{
		ID:         decl.ID,
		Name:       decl.Name,
		Index:      len(m.order),
		EntryPoint: decl.EntryPoint,
		MMUOn:      decl.MMUOn,
	}
	vm.vcpus = make([]*VCPU, len(decl.VCPUAffinities))
	for i, declared := range decl.VCPUAffinities {
		pcpu, ok := m.policy.Affinity(decl.ID, i, declared)
		if !ok {
			panic(fmt.Sprintf("vmcore: %s: cannot affinity vcpu %d", decl.Name, i))
		}
		vm.vcpus[i] = &VCPU{
			id:         i,
			vm:         vm,
			pcpuAffin:  pcpu,
			entryPoint: decl.EntryPoint,
			irqs:       virq.NewStruct(),
		}
	}

	m.vms[decl.ID] = vm
	m.order = append(m.order, vm)
	if m.log != nil {
		m.log.WithFields(logrus.Fields{"vmid": decl.ID, "name": decl.Name, "vcpus": len(vm.vcpus)}).
			Info("vm declared")
	}
	return nil
}

// AddMemoryRegion wires one declared region onto its owning VM, or the
// cross-VM shared pool for Kind == shared (parse_vm_memory). A region
// whose VMID names no declared VM is silently skipped, matching the
// original's "can not find the vm for the vmid, continue" behavior.
func (m *Manager) AddMemoryRegion(decl MemoryRegionDecl) {
	region := MemoryRegion{Name: decl.Name, Base: decl.Base, Size: decl.End - decl.Base}

	switch decl.Kind {
	case 0x2:
		region.Type = MemShared
		m.shared = append(m.shared, region)
		return
	case 0x0:
		region.Type = MemNormal
	default:
		region.Type = MemIO
	}

	vm, ok := m.vms[decl.VMID]
	if !ok {
		if m.log != nil {
			m.log.WithField("vmid", decl.VMID).Warn("memory region references unknown vm, skipping")
		}
		return
	}
	vm.regions = append(vm.regions, region)
}

// SharedRegions returns the cross-VM shared memory pool.
func (m *Manager) SharedRegions() []MemoryRegion {
	out := make([]MemoryRegion, len(m.shared))
	copy(out, m.shared)
	return out
}

// GetVM implements vm lookup by id (vmm_get_vm).
func (m *Manager) GetVM(vmid uint32) (*VM, bool) {
	vm, ok := m.vms[vmid]
	return vm, ok
}

// GetVCPU implements virq.VMLookup (vmm_get_vcpu / get_vcpu_in_vm).
func (m *Manager) GetVCPU(vmid uint32, vcpuID int) (virq.VCPUHandle, bool) {
	vm, ok := m.vms[vmid]
	if !ok {
		return nil, false
	}
	vcpu, ok := vm.VCPU(vcpuID)
	if !ok {
		return nil, false
	}
	return vcpu, true
}

// VCPUAffinityPCPU implements irqdomain.VCPULocator.
func (m *Manager) VCPUAffinityPCPU(vmid uint32, vcpuID int) (int, bool) {
	vcpu, ok := m.GetVCPU(vmid, vcpuID)
	if !ok {
		return 0, false
	}
	return vcpu.PCPU(), true
}

// InitVMs brings every declared VM's state machine up in parallel
// (vm_do_init_vms folded with init_vms): vCPU 0 goes READY, the rest
// STOP, awaiting the scheduler.
func (m *Manager) InitVMs() error {
	var g errgroup.Group
	for _, vm := range m.order {
		vm := vm
		g.Go(func() error {
			return m.initOneVM(vm)
		})
	}
	return g.Wait()
}

func (m *Manager) initOneVM(vm *VM) error {
	for _, vcpu := range vm.vcpus {
		if vcpu.id == 0 {
			vcpu.state = VCPUReady
		} else {
			vcpu.state = VCPUStop
		}
	}
	if m.log != nil {
		m.log.WithField("vmid", vm.ID).Info("vm state initialized")
	}
	return nil
}
