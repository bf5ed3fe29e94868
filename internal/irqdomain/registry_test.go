package irqdomain_test

import (
	"fmt"
	"testing"

	"github.com/arcera-systems/armvisor/internal/irqchip"
	"github.com/arcera-systems/armvisor/internal/irqchip/fakechip"
	"github.com/arcera-systems/armvisor/internal/irqdomain"
)

type staticLocator struct {
	pcpu map[string]int
}

func (s staticLocator) VCPUAffinityPCPU(vmid uint32, vcpuID int) (int, bool) {
	p, ok := s.pcpu[key(vmid, vcpuID)]
	return p, ok
}

func key(vmid uint32, vcpuID int) string {
	return fmt.Sprintf("%d:%d", vmid, vcpuID)
}

func newLocator() staticLocator {
	return staticLocator{pcpu: map[string]int{
		key(1, 0): 0,
		key(1, 1): 1,
	}}
}

// countingChip wraps fakechip.Chip to count mask/unmask calls so tests
// can assert __irq_enable's already-in-that-state short circuit.
type countingChip struct {
	*fakechip.Chip
	masks   int
	unmasks int
}

func newCountingChip() *countingChip {
	return &countingChip{Chip: fakechip.New()}
}

func (c *countingChip) IRQMask(hno uint32) {
	c.masks++
	c.Chip.IRQMask(hno)
}

func (c *countingChip) IRQUnmask(hno uint32) {
	c.unmasks++
	c.Chip.IRQUnmask(hno)
}

func TestRegisterIRQEntryGuestOwned(t *testing.T) {
	chip := newCountingChip()
	reg := irqdomain.NewRegistry(chip, 2, newLocator(), nil)
	if err := reg.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := reg.CreateIRQs(irqdomain.SPI, 32, 64); err != nil {
		t.Fatalf("CreateIRQs: %v", err)
	}

	res := irqdomain.IRQResource{HNo: 40, VNo: 10, VMID: 1, Affinity: 1, Type: irqchip.TriggerLevel}
	desc, err := reg.RegisterIRQEntry(res)
	if err != nil {
		t.Fatalf("RegisterIRQEntry: %v", err)
	}
	if desc.OwnerVMM {
		t.Fatal("expected guest-owned descriptor")
	}
	if desc.AffinityPCPU != 1 {
		t.Fatalf("expected affinity pcpu 1, got %d", desc.AffinityPCPU)
	}

	got, ok := reg.GetIRQDesc(0, 40)
	if !ok || got != desc {
		t.Fatalf("GetIRQDesc did not return the registered descriptor")
	}

	if irq := reg.VirqToIRQ(10); irq != 40 {
		t.Fatalf("VirqToIRQ(10) = %d, want 40", irq)
	}
}

func TestRegisterIRQEntryUnknownVCPU(t *testing.T) {
	reg := irqdomain.NewRegistry(newCountingChip(), 2, newLocator(), nil)
	_ = reg.CreateIRQs(irqdomain.SPI, 32, 64)

	res := irqdomain.IRQResource{HNo: 40, VNo: 10, VMID: 99, Affinity: 0}
	if _, err := reg.RegisterIRQEntry(res); err == nil {
		t.Fatal("expected error for unresolvable vcpu affinity")
	}
}

func TestSetHandlerRejectsGuestOwned(t *testing.T) {
	reg := irqdomain.NewRegistry(newCountingChip(), 2, newLocator(), nil)
	_ = reg.CreateIRQs(irqdomain.SPI, 32, 64)
	_, _ = reg.RegisterIRQEntry(irqdomain.IRQResource{HNo: 40, VNo: 10, VMID: 1, Affinity: 0})

	err := reg.SetHandler(0, 40, func(uint32, any) error { return nil }, nil)
	if err == nil {
		t.Fatal("expected SetHandler to reject a guest-owned descriptor")
	}
}

func TestSetHandlerAndInvoke(t *testing.T) {
	reg := irqdomain.NewRegistry(newCountingChip(), 2, newLocator(), nil)
	_ = reg.CreateIRQs(irqdomain.Local, 0, 16)
	_, err := reg.RegisterIRQEntry(irqdomain.IRQResource{HNo: 5, VMID: irqdomain.VMMOwnerVMID, Name: "resched"})
	if err != nil {
		t.Fatalf("RegisterIRQEntry: %v", err)
	}

	called := false
	if err := reg.SetHandler(0, 5, func(hno uint32, _ any) error {
		called = true
		if hno != 5 {
			t.Fatalf("handler got hno %d, want 5", hno)
		}
		return nil
	}, nil); err != nil {
		t.Fatalf("SetHandler: %v", err)
	}

	desc, ok := reg.GetIRQDesc(0, 5)
	if !ok {
		t.Fatal("descriptor not found")
	}
	ok, err = desc.Invoke()
	if !ok || err != nil {
		t.Fatalf("Invoke: ok=%v err=%v", ok, err)
	}
	if !called {
		t.Fatal("handler was not invoked")
	}
}

func TestIRQEnableIsIdempotent(t *testing.T) {
	chip := newCountingChip()
	reg := irqdomain.NewRegistry(chip, 1, newLocator(), nil)
	_ = reg.CreateIRQs(irqdomain.SPI, 32, 64)
	_, _ = reg.RegisterIRQEntry(irqdomain.IRQResource{HNo: 40, VMID: irqdomain.VMMOwnerVMID})

	// A fresh descriptor starts masked, so enable first and then disable.
	if err := reg.IRQEnable(0, 40, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := reg.IRQEnable(0, 40, true); err != nil {
		t.Fatalf("enable again: %v", err)
	}
	if chip.unmasks != 1 {
		t.Fatalf("expected exactly one IRQUnmask call, got %d", chip.unmasks)
	}

	if err := reg.IRQEnable(0, 40, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := reg.IRQEnable(0, 40, false); err != nil {
		t.Fatalf("disable again: %v", err)
	}
	if chip.masks != 1 {
		t.Fatalf("expected exactly one IRQMask call, got %d", chip.masks)
	}
}

func TestIRQEnableUnmasksFreshDescriptor(t *testing.T) {
	chip := newCountingChip()
	reg := irqdomain.NewRegistry(chip, 1, newLocator(), nil)
	_ = reg.CreateIRQs(irqdomain.SPI, 32, 64)
	_, _ = reg.RegisterIRQEntry(irqdomain.IRQResource{HNo: 40, VMID: irqdomain.VMMOwnerVMID})

	if err := reg.IRQEnable(0, 40, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if chip.unmasks != 1 {
		t.Fatalf("expected IRQUnmask to be called once on a freshly-registered descriptor, got %d", chip.unmasks)
	}

	desc, ok := reg.GetIRQDesc(0, 40)
	if !ok {
		t.Fatal("descriptor not found")
	}
	if desc.Masked() {
		t.Fatal("expected descriptor to be unmasked after IRQEnable(true)")
	}
}

func TestLocalDomainReplicatesPerPCPU(t *testing.T) {
	reg := irqdomain.NewRegistry(newCountingChip(), 2, newLocator(), nil)
	if err := reg.CreateIRQs(irqdomain.Local, 0, 16); err != nil {
		t.Fatalf("CreateIRQs: %v", err)
	}
	if _, err := reg.RegisterIRQEntry(irqdomain.IRQResource{HNo: 1, VMID: irqdomain.VMMOwnerVMID}); err != nil {
		t.Fatalf("RegisterIRQEntry: %v", err)
	}

	d0, ok := reg.GetIRQDesc(0, 1)
	if !ok {
		t.Fatal("missing descriptor for pcpu 0")
	}
	d1, ok := reg.GetIRQDesc(1, 1)
	if !ok {
		t.Fatal("missing descriptor for pcpu 1")
	}
	if d0 == d1 {
		t.Fatal("expected distinct descriptor instances per pcpu")
	}
	if d0.AffinityPCPU != 0 || d1.AffinityPCPU != 1 {
		t.Fatalf("unexpected affinities: %d, %d", d0.AffinityPCPU, d1.AffinityPCPU)
	}
}
