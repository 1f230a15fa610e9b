package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/export"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/report"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

type exportFlags struct {
	channel      string
	mode         string
	since        string
	unattended   bool
	skipVerify   bool
	includeEmpty bool
	upload       bool
}

func newExportCommand(c *cli) *cobra.Command {
	var f exportFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a channel's new content into a bundle",
		Long: `Export the content of a channel that changed since the last export and
package it as checksummed chunks ready to carry across the air gap.

The primary channel (DoV) exports the default organization view as a whole.
Other channels export the repositories listed for them in the channels file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runExport(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.channel, "channel", cfg.PrimaryChannel, "channel to export")
	fl.StringVar(&f.mode, "mode", "incremental", "full|incremental")
	fl.StringVar(&f.since, "since", "", "export content changed after this time instead of the last checkpoint (RFC3339 or 'YYYY-MM-DD HH:MM:SS')")
	fl.BoolVar(&f.unattended, "unattended", false, "never prompt; abort where a prompt would be needed")
	fl.BoolVar(&f.skipVerify, "skip-verify", false, "skip package signature verification")
	fl.BoolVar(&f.includeEmpty, "include-empty", false, "list resources without new packages in the manifest")
	fl.BoolVar(&f.upload, "upload", false, "upload the bundle to the transfer bucket and move the channel pointer")

	cmd.AddCommand(newHistoryCommand(c, state.Export))
	return cmd
}

func (c *cli) runExport(ctx context.Context, f exportFlags) (err error) {
	mode, err := export.ParseMode(f.mode)
	if err != nil {
		return err
	}
	since, err := parseSince(f.since)
	if err != nil {
		return err
	}

	ctx, r, err := c.start(ctx, runOptions{command: "export", channel: f.channel, server: true})
	if err != nil {
		return err
	}
	defer func() { r.finish(ctx, f.channel, err) }()

	channels, err := cfg.LoadChannels(r.conf.ChannelsFile)
	if err != nil {
		return err
	}
	ch, err := channels.Get(f.channel)
	if err != nil {
		return err
	}

	r.tracker.SetPhase("connecting")
	sat, err := r.satellite(ctx)
	if err != nil {
		return err
	}
	mon := r.monitor(sat)

	opts := export.Options{
		Logger:       r.L.With("component", "export"),
		Server:       sat,
		Locks:        task.NewDetector(sat, r.L, task.ExportConflicts...),
		Awaiter:      mon,
		State:        r.store,
		Confirmer:    r.confirmer(f.unattended),
		Metrics:      r.metrics,
		Organization: r.conf.Organization,
		ExportDir:    r.conf.ExportDir,
		WorkDir:      r.conf.WorkDir,
		Prefix:       r.conf.BundlePrefix,
		ChunkSize:    r.conf.ChunkSize(),
		Compression:  bundle.Compression(r.conf.Compression),
		Disconnected: r.conf.Disconnected,
	}
	signer, err := r.signer(ctx)
	if err != nil {
		return err
	}
	if signer != nil {
		opts.Signer = signer
	}
	// fail before the export, not after hours of it
	xfer, err := r.transfer(ctx)
	if err != nil {
		return err
	}
	if f.upload && xfer == nil {
		return xerrors.New("--upload needs --transfer-s3-bucket")
	}

	r.tracker.SetPhase("exporting")
	rep, err := export.New(opts).Run(ctx, export.Request{
		Channel:      ch,
		Mode:         mode,
		Since:        since,
		IncludeEmpty: f.includeEmpty,
		SkipVerify:   f.skipVerify,
		Unattended:   f.unattended,
		RunID:        r.id,
	})
	if rep.Dataset != "" {
		r.tracker.SetDataset(rep.Dataset.String())
	}
	out := report.New(c.stdout)
	out.Export(rep)
	if err != nil {
		return err
	}
	r.metrics.SetCheckpoint(ch.Name, rep.Started)

	if f.upload {
		r.tracker.SetPhase("uploading")
		keys, err := xfer.Upload(ctx, r.conf.WorkDir, rep.Dataset)
		if err != nil {
			return err
		}
		if err := xfer.Publish(ctx, rep.Dataset); err != nil {
			return err
		}
		r.L.Info(ctx, "bundle uploaded", "dataset", rep.Dataset.String(), "objects", len(keys))
	}

	if rep.Partial() {
		return xerrors.Mark(xerrors.Newf("export of %s is partial; re-run once the skipped resources are free", rep.Dataset), xerrors.KindPartial)
	}
	return nil
}

var sinceLayouts = []string{time.RFC3339, satellite.SinceLayout, "2006-01-02"}

// parseSince accepts the layouts operators type; local time when no zone is
// given.
func parseSince(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, xerrors.Newf("invalid --since %q (want RFC3339, 'YYYY-MM-DD HH:MM:SS' or YYYY-MM-DD)", s)
}
