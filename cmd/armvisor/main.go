// Command armvisor boots the hypervisor core from a static YAML
// declaration file: it wires the IRQ domains, the virq injector, the
// VM/vCPU manager, the vmbox registry, and the pCPU dispatcher, then
// runs until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "armvisor",
		Short: "A Type-1 hypervisor core for ARM-class systems",
	}
	cmd.AddCommand(newBootCmd())
	return cmd
}
