// Command tskv is offline diagnostic tooling for a single vnode directory:
// footer/checksum verification, summary replay, per-level file stats, and a
// raw WAL dump. It never opens a vnode.Controller, so it is safe to run
// against a directory a live process already has open for reading.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "tskv",
		Short: "Offline diagnostics for a tskv vnode directory",
	}
	root.AddCommand(fsckCmd(), dumpSummaryCmd(), statsCmd(), replayWALCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
