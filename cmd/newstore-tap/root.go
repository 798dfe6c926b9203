package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "newstore-tap",
		Short: "Extract NewStore catalog and availability data as JSON lines",
		Long: `newstore-tap walks a NewStore tenant's resource tree

  stores -> shops -> products -> availabilities

and writes SCHEMA, RECORD and STATE messages to stdout. Logs go to stderr.

Credentials are read from NEWSTORE_* environment variables or a .env file:
  NEWSTORE_TENANT, NEWSTORE_CLIENT_ID, NEWSTORE_CLIENT_SECRET`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(`newstore-tap {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newSyncCmd(), newDiscoverCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "newstore-tap %s (commit: %s, built: %s)\n", version, gitCommit, buildDate)
		},
	}
}
