package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arcera-systems/armvisor/internal/config"
	"github.com/arcera-systems/armvisor/internal/hvlog"
	"github.com/arcera-systems/armvisor/internal/irqchip/fakechip"
	"github.com/arcera-systems/armvisor/internal/irqdomain"
	"github.com/arcera-systems/armvisor/internal/metrics"
	"github.com/arcera-systems/armvisor/internal/mm"
	"github.com/arcera-systems/armvisor/internal/sched"
	"github.com/arcera-systems/armvisor/internal/virq"
	"github.com/arcera-systems/armvisor/internal/vmbox"
	"github.com/arcera-systems/armvisor/internal/vmcore"
)

// guestAddressSpaceSize is the span armvisor reserves for each declared
// VM's guest-physical address space; the real stage-2 MMU layer (out of
// scope) would size this from the VM's own memory-region declarations.
const guestAddressSpaceSize = 1 << 36

// vmboxVirqBase is the first vIRQ number armvisor's vmbox allocator
// hands out, kept well clear of the hardware SPI/local vIRQ ranges a
// real GICv3 binding would declare.
const vmboxVirqBase = 1024

type bootOptions struct {
	configPath  string
	metricsAddr string
}

func newBootCmd() *cobra.Command {
	opts := &bootOptions{}

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Load a static declaration file and run the hypervisor core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to the YAML declaration file (required)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runBoot(ctx context.Context, opts *bootOptions) error {
	log := hvlog.New("boot")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", opts.metricsAddr).Info("serving metrics")
	}

	chip := fakechip.New()

	vmManager := vmcore.NewManager(vmcore.StaticAffinity{NumPCPU: cfg.NumPCPU}, hvlog.New("vmcore"))
	for _, decl := range cfg.VMDecls() {
		if err := vmManager.AddVM(decl); err != nil {
			return fmt.Errorf("boot: %w", err)
		}
	}
	for _, decl := range cfg.MemoryRegionDecls() {
		vmManager.AddMemoryRegion(decl)
	}
	if err := vmManager.InitVMs(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	domains := irqdomain.NewRegistry(chip, cfg.NumPCPU, vmManager, hvlog.New("irqdomain"))
	if err := domains.Init(); err != nil {
		return fmt.Errorf("boot: irq domains: %w", err)
	}
	for pcpu := 0; pcpu < cfg.NumPCPU; pcpu++ {
		if err := domains.SecondaryInit(); err != nil {
			return fmt.Errorf("boot: irq domains secondary init pcpu %d: %w", pcpu, err)
		}
	}
	for _, rng := range cfg.IRQRangeDecls() {
		if err := domains.CreateIRQs(rng.Domain, rng.Start, rng.Count); err != nil {
			return fmt.Errorf("boot: create irqs (domain %d, start %d, count %d): %w",
				rng.Domain, rng.Start, rng.Count, err)
		}
	}

	dispatcher := sched.New(chip, cfg.NumPCPU, hvlog.New("sched"))

	injector := virq.New(chip, domains, dispatcher, vmManager, dispatcher.Current, hvlog.New("virq"))

	spaces := mm.NewSpaceSet()
	for _, decl := range cfg.VMDecls() {
		spaces.Add(decl.ID, 0, guestAddressSpaceSize)
	}
	pagePool := mm.NewPagePool(1<<32, 1<<32)

	vmboxes := vmbox.NewRegistry(injector, vmbox.NewSequentialVirqAllocator(vmboxVirqBase),
		vmbox.MMSpaces{Set: spaces}, pagePool, hvlog.New("vmbox"))

	for _, decl := range cfg.VMDecls() {
		if _, err := vmboxes.CreateController(decl.ID); err != nil {
			return fmt.Errorf("boot: vmbox controller for vm %d: %w", decl.ID, err)
		}
	}
	for _, info := range cfg.VmboxInfos() {
		if _, err := vmboxes.CreateVmbox(info); err != nil {
			return fmt.Errorf("boot: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"vms": len(cfg.VMs), "pcpus": cfg.NumPCPU, "vmboxes": len(cfg.Vmboxes),
	}).Info("armvisor boot sequence complete, starting dispatcher")

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return dispatcher.Run(runCtx)
}
