package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/report"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
)

func newHistoryCommand(c *cli, dir state.Direction) *cobra.Command {
	var (
		channel string
		last    bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the datasets recorded for a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runHistory(cmd.Context(), dir, channel, last)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", cfg.PrimaryChannel, "channel to list")
	cmd.Flags().BoolVar(&last, "last", false, "print only the newest dataset")
	return cmd
}

func (c *cli) runHistory(ctx context.Context, dir state.Direction, channel string, last bool) (err error) {
	ctx, r, err := c.start(ctx, runOptions{command: string(dir) + "-history", channel: channel})
	if err != nil {
		return err
	}
	defer func() { r.finish(ctx, channel, err) }()

	datasets, err := r.store.ReadHistory(ctx, channel, dir)
	if err != nil {
		return err
	}
	n := 0
	if last {
		n = 1
	}
	report.New(c.stdout).History(channel, dir, datasets, n)
	return nil
}
