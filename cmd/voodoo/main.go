// Command voodoo runs XML-scripted browser tests and keeps their history.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(exitSetup)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voodoo",
		Short: "Browser test automation",
		Long:  "voodoo runs XML-scripted browser tests, records their results and publishes live progress.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "voodoo.yaml", "Configuration file (optional unless given)")
	root.PersistentFlags().String("store", "", "Results history database (overrides store.path)")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("voodoo version %s\n", version))

	root.AddCommand(newRunCmd())
	root.AddCommand(newSuiteCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newVersionCmd())
	return root
}
