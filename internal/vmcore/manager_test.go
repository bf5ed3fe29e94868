package vmcore_test

import (
	"testing"

	"github.com/arcera-systems/armvisor/internal/vmcore"
)

func newTestManager() *vmcore.Manager {
	return vmcore.NewManager(vmcore.StaticAffinity{NumPCPU: 4}, nil)
}

func TestAddVMPinsVCPUs(t *testing.T) {
	m := newTestManager()
	if err := m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-a", VCPUAffinities: []int{0, 2}}); err != nil {
		t.Fatalf("AddVM: %v", err)
	}

	vm, ok := m.GetVM(1)
	if !ok {
		t.Fatal("vm not found")
	}
	if vm.VCPUCount() != 2 {
		t.Fatalf("expected 2 vcpus, got %d", vm.VCPUCount())
	}

	v0, _ := vm.VCPU(0)
	v1, _ := vm.VCPU(1)
	if v0.PCPU() != 0 || v1.PCPU() != 2 {
		t.Fatalf("unexpected pcpu pinning: %d, %d", v0.PCPU(), v1.PCPU())
	}
}

func TestAddVMDuplicateRejected(t *testing.T) {
	m := newTestManager()
	_ = m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-a", VCPUAffinities: []int{0}})
	if err := m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-b", VCPUAffinities: []int{0}}); err == nil {
		t.Fatal("expected duplicate vmid to be rejected")
	}
}

func TestAddVMPanicsOnAffinityFailure(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when the placement policy rejects an affinity")
		}
	}()
	m := newTestManager()
	_ = m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-a", VCPUAffinities: []int{99}})
}

func TestAddMemoryRegionRouting(t *testing.T) {
	m := newTestManager()
	_ = m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-a", VCPUAffinities: []int{0}})

	m.AddMemoryRegion(vmcore.MemoryRegionDecl{Name: "ram", Base: 0x40000000, End: 0x48000000, Kind: 0x0, VMID: 1})
	m.AddMemoryRegion(vmcore.MemoryRegionDecl{Name: "shm", Base: 0x50000000, End: 0x50100000, Kind: 0x2})
	m.AddMemoryRegion(vmcore.MemoryRegionDecl{Name: "uart", Base: 0x09000000, End: 0x09001000, Kind: 0x1, VMID: 1})
	m.AddMemoryRegion(vmcore.MemoryRegionDecl{Name: "orphan", Base: 0, End: 0x1000, Kind: 0x0, VMID: 99})

	vm, _ := m.GetVM(1)
	regions := vm.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions on vm 1, got %d", len(regions))
	}
	if len(m.SharedRegions()) != 1 {
		t.Fatalf("expected 1 shared region, got %d", len(m.SharedRegions()))
	}

	var sawNormal, sawIO bool
	for _, r := range regions {
		switch r.Type {
		case vmcore.MemNormal:
			sawNormal = true
		case vmcore.MemIO:
			sawIO = true
		}
	}
	if !sawNormal || !sawIO {
		t.Fatalf("expected one normal and one io region, got %+v", regions)
	}
}

func TestInitVMsSetsStates(t *testing.T) {
	m := newTestManager()
	_ = m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-a", VCPUAffinities: []int{0, 1}})

	if err := m.InitVMs(); err != nil {
		t.Fatalf("InitVMs: %v", err)
	}

	vm, _ := m.GetVM(1)
	v0, _ := vm.VCPU(0)
	v1, _ := vm.VCPU(1)
	if v0.State() != vmcore.VCPUReady {
		t.Fatalf("expected vcpu 0 ready, got %v", v0.State())
	}
	if v1.State() != vmcore.VCPUStop {
		t.Fatalf("expected vcpu 1 stopped, got %v", v1.State())
	}
}

func TestVCPUAffinityPCPUImplementsLocator(t *testing.T) {
	m := newTestManager()
	_ = m.AddVM(vmcore.VMDecl{ID: 1, Name: "guest-a", VCPUAffinities: []int{3}})

	pcpu, ok := m.VCPUAffinityPCPU(1, 0)
	if !ok || pcpu != 3 {
		t.Fatalf("VCPUAffinityPCPU = (%d, %v), want (3, true)", pcpu, ok)
	}
	if _, ok := m.VCPUAffinityPCPU(1, 5); ok {
		t.Fatal("expected out-of-range vcpu id to fail")
	}
}
