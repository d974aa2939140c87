// Command pmdctl is a thin admin CLI over pkg/pmdclient (spec §1's
// "admin CLI surface" non-goal: the core must expose hooks letting this be
// re-implemented trivially, which is exactly what this command does).
//
// Grounded on the teacher's cmd/ployz-shaped cobra tree in getployz-ployz
// (root command binding persistent flags, one file per subcommand, RunE
// returning a plain error for cobra to print and turn into exit code 1).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pierreg256/distflow/pkg/pmdclient"
	"github.com/pierreg256/distflow/pkg/runtime"
)

var (
	flagHost string
	flagPort int
)

func main() {
	runtime.MaybeRunDaemon()

	root := &cobra.Command{
		Use:   "pmdctl",
		Short: "Inspect and control a running port mapper daemon",
	}
	root.PersistentFlags().StringVar(&flagHost, "host", runtime.DefaultPMDHost, "pmd host")
	root.PersistentFlags().IntVar(&flagPort, "port", runtime.DefaultPMDPort, "pmd port")

	root.AddCommand(statusCmd(), listCmd(), resolveCmd(), killCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect() (*pmdclient.Client, error) {
	return pmdclient.Connect(flagHost, flagPort, pmdclient.Options{})
}
