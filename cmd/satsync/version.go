package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	v "github.com/keithlinneman/linnemanlabs-satsync/internal/version"
)

func newVersionCommand(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			vi := v.Get()
			if asJSON {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(vi)
			}
			_, err := fmt.Fprintf(c.stdout, "%s %s\n", appName, vi.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
