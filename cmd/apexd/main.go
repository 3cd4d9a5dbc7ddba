// apexd is the autonomous task daemon: it polls the queue, dispatches
// tasks to the external agent, and supervises pauses, resumes and
// workspace cleanup.
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
	root := &cobra.Command{
		Use:           "apexd",
		Short:         "Autonomous task orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newIterateCmd())
	root.AddCommand(newVersionCmd())
	return root
}
