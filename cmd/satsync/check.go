package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/report"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

type lockFlags struct {
	resource  int
	kind      string
	label     string
	forExport bool
}

func newLockCheckCommand(c *cli) *cobra.Command {
	var f lockFlags
	cmd := &cobra.Command{
		Use:   "lock-check",
		Short: "Report whether a content view or repository is held by a running task",
		Long: `Scan the server's active tasks once and report whether the resource is
busy. Without --resource the default organization view is checked.

Exits 2 when the resource is locked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runLockCheck(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVar(&f.resource, "resource", 0, "resource id")
	cmd.Flags().StringVar(&f.kind, "type", task.KindContentView, "resource type: "+task.KindContentView+"|"+task.KindRepository)
	cmd.Flags().StringVar(&f.label, "label", "", "resource label, matched when a task does not record the id")
	cmd.Flags().BoolVar(&f.forExport, "for-export", false, "also treat running exports and syncs as conflicts")
	return cmd
}

func (c *cli) runLockCheck(ctx context.Context, f lockFlags) (err error) {
	var ref task.Ref
	switch f.kind {
	case task.KindContentView:
		ref = task.ViewRef(f.resource, f.label)
	case task.KindRepository:
		if f.resource == 0 && f.label == "" {
			return xerrors.New("--type repository needs --resource or --label")
		}
		ref = task.RepoRef(f.resource, f.label)
	default:
		return xerrors.Newf("unknown --type %q", f.kind)
	}

	ctx, r, err := c.start(ctx, runOptions{command: "lock-check", server: true})
	if err != nil {
		return err
	}
	defer func() { r.finish(ctx, "", err) }()

	sat, err := r.satellite(ctx)
	if err != nil {
		return err
	}
	if f.kind == task.KindContentView && f.resource == 0 && f.label == "" {
		view, err := sat.DefaultView(ctx)
		if err != nil {
			return err
		}
		ref = task.ViewRef(view.ID, view.Label)
	}
	if ref.Label == "" && f.resource == 0 {
		return xerrors.New("no resource to check")
	}

	kinds := task.DefaultConflicts
	if f.forExport {
		kinds = task.ExportConflicts
	}
	lock, err := task.NewDetector(sat, r.L, kinds...).Check(ctx, ref)
	if err != nil {
		return err
	}
	name := ref.String()
	report.New(c.stdout).Locks(map[string]task.Lock{name: lock}, []string{name})
	if lock.Locked {
		return xerrors.Mark(xerrors.Newf("%s is locked by task %s", name, lock.Task.ID), xerrors.KindConflict)
	}
	return nil
}

func newCheckSyncCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check-sync",
		Short: "List repositories whose last sync stopped with warnings",
		Long: `List yum repositories whose last synchronization stopped with warnings.
The server shows these as complete even though content may be missing, and an
export taken from them would carry the gap across. Exits 2 if any are found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runCheckSync(cmd.Context())
		},
	}
}

func (c *cli) runCheckSync(ctx context.Context) (err error) {
	ctx, r, err := c.start(ctx, runOptions{command: "check-sync", server: true})
	if err != nil {
		return err
	}
	defer func() { r.finish(ctx, "", err) }()

	sat, err := r.satellite(ctx)
	if err != nil {
		return err
	}
	repos, err := sat.IncompleteSyncs(ctx)
	if err != nil {
		return err
	}
	report.New(c.stdout).IncompleteSyncs(repos)
	if len(repos) > 0 {
		return xerrors.Mark(xerrors.Newf("%d repositories have incomplete syncs", len(repos)), xerrors.KindPartial)
	}
	return nil
}
