// Command nbotctl is the developer and operator CLI for a plugin host data
// directory: install/list/enable/disable/config plugins, trigger a market
// sync, and generate or apply publisher signing keys. It operates directly
// on a data directory's on-disk state rather than over the admin HTTP API,
// so it works against a host that isn't currently running.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "nbotctl",
		Short: "Manage an nbot plugin host data directory",
	}
	root.PersistentFlags().String("data-dir", "data", "host data directory")

	root.AddCommand(
		buildInstallCmd(),
		buildListCmd(),
		buildEnableCmd(),
		buildDisableCmd(),
		buildUninstallCmd(),
		buildConfigCmd(),
		buildSyncCmd(),
		buildKeygenCmd(),
		buildSignCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
