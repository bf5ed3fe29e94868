package config

import (
	"github.com/arcera-systems/armvisor/internal/irqdomain"
	"github.com/arcera-systems/armvisor/internal/vmbox"
	"github.com/arcera-systems/armvisor/internal/vmcore"
)

// VMDecls converts the declared VMs to vmcore.VMDecl values, ready for
// vmcore.Manager.AddVM.
func (c *Config) VMDecls() []vmcore.VMDecl {
	out := make([]vmcore.VMDecl, len(c.VMs))
	for i, vm := range c.VMs {
		out[i] = vmcore.VMDecl{
			ID:             vm.ID,
			Name:           vm.Name,
			EntryPoint:     vm.EntryPoint,
			MMUOn:          vm.MMUOn,
			VCPUAffinities: vm.VCPUs,
		}
	}
	return out
}

// MemoryRegionDecls converts the declared memory regions to
// vmcore.MemoryRegionDecl values, ready for vmcore.Manager.AddMemoryRegion.
func (c *Config) MemoryRegionDecls() []vmcore.MemoryRegionDecl {
	out := make([]vmcore.MemoryRegionDecl, len(c.MemoryRegions))
	for i, r := range c.MemoryRegions {
		out[i] = vmcore.MemoryRegionDecl{
			Name: r.Name,
			Base: r.Base,
			End:  r.End,
			Kind: memoryRegionKind(r.Kind),
			VMID: r.VM,
		}
	}
	return out
}

// IRQRangeDecl is one declared hIRQ range ready for
// irqdomain.Registry.CreateIRQs.
type IRQRangeDecl struct {
	Domain irqdomain.Kind
	Start  uint32
	Count  uint32
}

// IRQRangeDecls converts the declared IRQ ranges to IRQRangeDecl values,
// ready for irqdomain.Registry.CreateIRQs — without this, nothing in the
// SPI/LOCAL domains has a hIRQ range to allocate descriptors from.
func (c *Config) IRQRangeDecls() []IRQRangeDecl {
	out := make([]IRQRangeDecl, len(c.IRQRanges))
	for i, rng := range c.IRQRanges {
		out[i] = IRQRangeDecl{
			Domain: irqDomainKind(rng.Domain),
			Start:  rng.Start,
			Count:  rng.Count,
		}
	}
	return out
}

// irqDomainKind maps the YAML domain string onto irqdomain's Kind enum.
func irqDomainKind(domain string) irqdomain.Kind {
	if domain == "local" {
		return irqdomain.Local
	}
	return irqdomain.SPI
}

// VmboxInfos converts the declared vmbox pairings to vmbox.Info values,
// ready for vmbox.Registry.CreateVmbox.
func (c *Config) VmboxInfos() []vmbox.Info {
	out := make([]vmbox.Info, len(c.Vmboxes))
	for i, vb := range c.Vmboxes {
		var flags uint32
		if vb.Platform {
			flags |= vmbox.FlagPlatformDev
		}
		out[i] = vmbox.Info{
			Owner:     [2]uint32{vb.BEOwner, vb.FEOwner},
			DevID:     [2]uint32{vb.DevID, vb.VendorID},
			Type:      vb.Type,
			VQs:       vb.VQs,
			VringNum:  vb.VringNum,
			VringSize: vb.VringSize,
			ShmemSize: vb.ShmemSize,
			Flags:     flags,
		}
	}
	return out
}
