// Package config loads armvisor's static declarations from a YAML
// document: the Go-native front end that replaces the linker-section VM
// table and the DTB-parsed vmbox property list.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arcera-systems/armvisor/internal/hverr"
)

// VM declares one statically defined virtual machine.
type VM struct {
	ID         uint32 `yaml:"id"`
	Name       string `yaml:"name"`
	EntryPoint uint64 `yaml:"entry_point"`
	MMUOn      bool   `yaml:"mmu_on"`
	VCPUs      []int  `yaml:"vcpu_affinities"`
}

// MemoryRegion declares one statically defined memory region, either
// owned by a single VM or shared (Kind: "shared").
type MemoryRegion struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	End  uint64 `yaml:"end"`
	Kind string `yaml:"kind"` // "normal" (default), "io", "shared"
	VM   uint32 `yaml:"vm,omitempty"`
}

// IRQRange declares one hIRQ range to carve out of an irqdomain.Kind
// before any descriptor in that range can be registered (CreateIRQs).
type IRQRange struct {
	Domain string `yaml:"domain"` // "spi" or "local"
	Start  uint32 `yaml:"start"`
	Count  uint32 `yaml:"count"`
}

// Vmbox declares one back-end/front-end mailbox pairing.
type Vmbox struct {
	Type      string `yaml:"type"`
	BEOwner   uint32 `yaml:"be_owner"`
	FEOwner   uint32 `yaml:"fe_owner"`
	DevID     uint32 `yaml:"dev_id"`
	VendorID  uint32 `yaml:"vendor_id"`
	VQs       uint32 `yaml:"vqs"`
	VringNum  uint32 `yaml:"vring_num"`
	VringSize uint32 `yaml:"vring_size"`
	ShmemSize uint64 `yaml:"shmem_size,omitempty"`
	Platform  bool   `yaml:"platform_device,omitempty"`
}

// Config is the full static declaration set armvisor boots from.
type Config struct {
	NumPCPU       int            `yaml:"num_pcpu"`
	VMs           []VM           `yaml:"vms"`
	MemoryRegions []MemoryRegion `yaml:"memory_regions"`
	IRQRanges     []IRQRange     `yaml:"irq_ranges"`
	Vmboxes       []Vmbox        `yaml:"vmboxes"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the declaration set for the mistakes that would
// otherwise surface much later as a confusing panic deep in vmcore or
// vmbox: missing pCPU count, duplicate VM ids, regions/vmboxes
// referencing VMs that were never declared.
func (c *Config) Validate() error {
	if c.NumPCPU <= 0 {
		return fmt.Errorf("config: num_pcpu must be positive: %w", hverr.ErrInvalidArgument)
	}

	seen := make(map[uint32]bool, len(c.VMs))
	for _, vm := range c.VMs {
		if seen[vm.ID] {
			return fmt.Errorf("config: duplicate vm id %d: %w", vm.ID, hverr.ErrInvalidArgument)
		}
		seen[vm.ID] = true
		if len(vm.VCPUs) == 0 {
			return fmt.Errorf("config: vm %d (%s) declares no vcpus: %w", vm.ID, vm.Name, hverr.ErrInvalidArgument)
		}
	}

	for _, r := range c.MemoryRegions {
		if r.End <= r.Base {
			return fmt.Errorf("config: memory region %q has end <= base: %w", r.Name, hverr.ErrInvalidArgument)
		}
		if r.Kind != "shared" && !seen[r.VM] {
			return fmt.Errorf("config: memory region %q references unknown vm %d: %w", r.Name, r.VM, hverr.ErrNotFound)
		}
	}

	for _, rng := range c.IRQRanges {
		if rng.Domain != "spi" && rng.Domain != "local" {
			return fmt.Errorf("config: irq range %q: domain must be \"spi\" or \"local\": %w", rng.Domain, hverr.ErrInvalidArgument)
		}
		if rng.Count == 0 {
			return fmt.Errorf("config: irq range %q: count must be positive: %w", rng.Domain, hverr.ErrInvalidArgument)
		}
	}

	for _, vb := range c.Vmboxes {
		if !seen[vb.BEOwner] {
			return fmt.Errorf("config: vmbox %q references unknown be_owner %d: %w", vb.Type, vb.BEOwner, hverr.ErrNotFound)
		}
		if !seen[vb.FEOwner] {
			return fmt.Errorf("config: vmbox %q references unknown fe_owner %d: %w", vb.Type, vb.FEOwner, hverr.ErrNotFound)
		}
		if vb.VQs == 0 && vb.ShmemSize == 0 {
			return fmt.Errorf("config: vmbox %q declares neither vqs nor shmem_size: %w", vb.Type, hverr.ErrInvalidArgument)
		}
	}

	return nil
}

// memoryRegionKind maps the YAML Kind string onto vmcore's raw type byte
// (parse_vm_memory's 0x0/0x1/0x2 encoding).
func memoryRegionKind(kind string) uint8 {
	switch kind {
	case "shared":
		return 0x2
	case "io":
		return 0x1
	default:
		return 0x0
	}
}
