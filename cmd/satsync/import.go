package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/importer"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/report"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

type importFlags struct {
	dataset    string
	dir        string
	channel    string
	unattended bool
	allowGaps  bool
	force      bool
	noSync     bool
	remove     bool
	fetch      bool
}

func newImportCommand(c *cli) *cobra.Command {
	var f importFlags

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify, extract and sync an export bundle",
		Long: `Import one dataset on the disconnected server: every chunk is checked
against the checksum file before anything is extracted, the dataset's lineage
is compared with the import history, and the repositories it carries are
synchronized from the extracted tree.

With --fetch the bundle is first downloaded from the transfer bucket; without
--dataset the channel's latest published dataset is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runImport(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.dataset, "dataset", "", "dataset to import, e.g. 20260301-0100_DoV")
	fl.StringVar(&f.dir, "dir", "", "directory holding the bundle files (default --import-dir)")
	fl.StringVar(&f.channel, "channel", "", "channel to record the import under (default: from the dataset name)")
	fl.BoolVar(&f.unattended, "unattended", false, "never prompt; fail where a prompt would be needed")
	fl.BoolVar(&f.allowGaps, "allow-gaps", false, "import even when earlier datasets are missing")
	fl.BoolVar(&f.force, "force", false, "re-import a dataset already in the import history")
	fl.BoolVar(&f.noSync, "no-sync", false, "extract without synchronizing repositories")
	fl.BoolVar(&f.remove, "remove", false, "delete the bundle files after a complete import")
	fl.BoolVar(&f.fetch, "fetch", false, "download the bundle from the transfer bucket first")

	cmd.AddCommand(newHistoryCommand(c, state.Import))
	return cmd
}

func (c *cli) runImport(ctx context.Context, f importFlags) (err error) {
	if f.dataset == "" && !f.fetch {
		return xerrors.New("--dataset is required unless --fetch is given")
	}
	if f.dataset == "" && f.channel == "" {
		return xerrors.New("--fetch without --dataset needs --channel")
	}

	channel := f.channel
	if channel == "" {
		channel = bundle.Dataset(f.dataset).Channel()
	}
	ctx, r, err := c.start(ctx, runOptions{command: "import", channel: channel, server: true})
	if err != nil {
		return err
	}
	defer func() { r.finish(ctx, channel, err) }()

	dir := f.dir
	if dir == "" {
		dir = r.conf.ImportDir
	}
	d := bundle.Dataset(strings.TrimSpace(f.dataset))

	if f.fetch {
		xfer, err := r.transfer(ctx)
		if err != nil {
			return err
		}
		if xfer == nil {
			return xerrors.New("--fetch needs --transfer-s3-bucket")
		}
		if d == "" {
			r.tracker.SetPhase("resolving")
			if d, err = xfer.Latest(ctx, channel); err != nil {
				return err
			}
		}
		r.tracker.SetPhase("fetching")
		if _, err := xfer.Download(ctx, d, dir); err != nil {
			return err
		}
	}
	r.tracker.SetDataset(d.String())

	r.tracker.SetPhase("connecting")
	sat, err := r.satellite(ctx)
	if err != nil {
		return err
	}
	mon := r.monitor(sat)

	opts := importer.Options{
		Logger:       r.L.With("component", "import"),
		Server:       sat,
		Scheduler:    r.scheduler(mon),
		BatchSize:    r.conf.SyncBatchSize,
		State:        r.store,
		Confirmer:    r.confirmer(f.unattended),
		Metrics:      r.metrics,
		ImportDir:    r.conf.ImportDir,
		Prefix:       r.conf.BundlePrefix,
		Disconnected: r.conf.Disconnected,
	}
	verifier, err := r.verifier(ctx)
	if err != nil {
		return err
	}
	if verifier != nil {
		opts.SignatureVerifier = verifier
	}

	r.tracker.SetPhase("importing")
	rep, err := importer.New(opts).Run(ctx, importer.Request{
		Dataset:     d,
		Dir:         dir,
		Channel:     f.channel,
		Unattended:  f.unattended,
		AllowGaps:   f.allowGaps,
		Force:       f.force,
		NoSync:      f.noSync,
		RemoveInput: f.remove,
		RunID:       r.id,
	})
	report.New(c.stdout).Import(rep)
	if err != nil {
		return err
	}
	if rep.Incomplete() {
		return xerrors.Mark(
			xerrors.Newf("import of %s is incomplete; enable or sync the listed repositories and re-import", d),
			xerrors.KindPartial)
	}
	return nil
}
