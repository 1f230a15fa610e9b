package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/cfg"
)

// envPrefix maps flag "foo-bar" to SATSYNC_FOO_BAR.
const envPrefix = "SATSYNC_"

type cli struct {
	conf   cfg.App
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "satsync",
		Short: "Incremental content sync across an air gap",
		Long: `satsync exports content from a connected Satellite server as checksummed,
chunked bundles and imports them on a disconnected server, tracking what was
exported and imported so each run only moves what changed.

Every flag can also be set from the environment: --server-url is read from
SATSYNC_SERVER_URL. Flags given on the command line win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg.FillFromEnv(cmd.Flags(), envPrefix, func(format string, args ...any) {
				fmt.Fprintf(c.stderr, format+"\n", args...)
			})
			return nil
		},
	}

	cfg.Register(cmd.PersistentFlags(), &c.conf)

	cmd.AddCommand(
		newExportCommand(c),
		newImportCommand(c),
		newLockCheckCommand(c),
		newCheckSyncCommand(c),
		newVersionCommand(c),
	)
	return cmd
}
