// Package importer applies bundles produced by the export engine on a
// disconnected host: it verifies, extracts, checks dataset lineage and
// resynchronizes the repositories the bundle carries.
package importer

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/batch"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Server is the part of the content server an import needs.
type Server interface {
	Repositories(ctx context.Context) ([]satellite.Repository, error)
	DisableMirrorOnSync(ctx context.Context, repoID int) error
	SyncRepositories(ctx context.Context, ids []int) task.Submission
	ContentCounts(ctx context.Context, repoID int) (satellite.Counts, error)
}

type Store interface {
	HasDataset(ctx context.Context, channel string, dir state.Direction, dataset string) (bool, error)
	ReadHistory(ctx context.Context, channel string, dir state.Direction) ([]string, error)
	Commit(ctx context.Context, c state.Commit) error
}

type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Metrics is implemented by the metrics package. Optional.
type Metrics interface {
	IncResource(direction, status string)
	ObserveBundle(direction string, bytes int64, chunks int)
	AddGaps(n int)
	IncCountCheck(class string)
}

type Options struct {
	Logger log.Logger
	Server Server
	// Scheduler drives the repository syncs. Required unless every run
	// is NoSync.
	Scheduler *batch.Scheduler
	BatchSize int
	State     Store
	Confirmer Confirmer
	Metrics   Metrics
	// SignatureVerifier, if set, requires a valid signature over the
	// checksum file before any chunk is trusted.
	SignatureVerifier bundle.SignatureVerifier

	// ImportDir receives the extracted tree the server syncs from.
	ImportDir string
	Prefix    string
	// Disconnected must be set; connected hosts only export.
	Disconnected bool
}

// Request is one import run.
type Request struct {
	Dataset bundle.Dataset
	// Dir holds the bundle files; ImportDir when empty.
	Dir string
	// Channel defaults to the channel named in the dataset.
	Channel    string
	Unattended bool
	AllowGaps  bool
	// Force re-imports a dataset already in the import history.
	Force       bool
	NoSync      bool
	RemoveInput bool
	RunID       string
}

type Engine struct {
	opts   Options
	logger log.Logger
	tracer trace.Tracer
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = batch.DefaultSize
	}
	if opts.Prefix == "" {
		opts.Prefix = "sat6_export"
	}
	return &Engine{opts: opts, logger: opts.Logger, tracer: otel.Tracer("satsync/import")}
}

// Run imports one dataset. Integrity failures, a refused re-import, a gap the
// operator did not accept and having nothing to sync are returned as errors;
// everything else is recorded in the report.
func (e *Engine) Run(ctx context.Context, req Request) (rep Report, err error) {
	ctx, span := e.tracer.Start(ctx, "import.run", trace.WithAttributes(
		attribute.String("dataset", req.Dataset.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rep = Report{Dataset: req.Dataset, NoSync: req.NoSync}
	if !e.opts.Disconnected {
		return rep, xerrors.New("import cannot be run on a connected host")
	}
	if e.opts.Scheduler == nil && !req.NoSync {
		return rep, xerrors.New("import needs a batch scheduler to sync repositories")
	}
	if _, _, err := req.Dataset.Parse(); err != nil {
		return rep, err
	}
	if req.Channel == "" {
		req.Channel = req.Dataset.Channel()
	}
	if req.Dir == "" {
		req.Dir = e.opts.ImportDir
	}
	rep.Channel = req.Channel
	logger := e.logger.With("dataset", req.Dataset.String(), "channel", req.Channel)

	// 1. every chunk verifies before anything is touched
	names := bundle.Names{Prefix: e.opts.Prefix, Dataset: req.Dataset}
	if e.opts.SignatureVerifier != nil {
		if err := bundle.VerifySignature(ctx, e.opts.SignatureVerifier, req.Dir, names); err != nil {
			return rep, err
		}
		logger.Info(ctx, "checksum file signature verified")
	}
	chunks, err := bundle.Verify(req.Dir, names)
	if err != nil {
		return rep, xerrors.Wrapf(err, "verify dataset %s", req.Dataset)
	}
	logger.Info(ctx, "bundle checksums verified", "chunks", len(chunks))
	if e.opts.Metrics != nil {
		var size int64
		for _, c := range chunks {
			if fi, err := os.Stat(c); err == nil {
				size += fi.Size()
			}
		}
		e.opts.Metrics.ObserveBundle(string(state.Import), size, len(chunks))
	}

	// 2. idempotent by default
	seen, err := e.opts.State.HasDataset(ctx, req.Channel, state.Import, req.Dataset.String())
	if err != nil {
		return rep, err
	}
	if seen && !req.Force {
		return rep, xerrors.Mark(
			xerrors.Newf("dataset %s has already been imported (use force to re-import)", req.Dataset),
			xerrors.KindNothingToDo)
	}
	rep.Reimport = seen

	// 3. clean extraction
	if err := bundle.Purge(e.opts.ImportDir); err != nil {
		return rep, xerrors.Wrap(err, "remove previous import")
	}
	if rep.Files, err = bundle.Extract(ctx, chunks, e.opts.ImportDir); err != nil {
		return rep, xerrors.Wrapf(err, "extract dataset %s", req.Dataset)
	}
	m, err := bundle.ReadManifest(e.opts.ImportDir)
	if err != nil {
		return rep, xerrors.Mark(err, xerrors.KindIntegrity)
	}
	if m.Dataset != req.Dataset {
		return rep, xerrors.Mark(
			xerrors.Newf("bundle manifest names dataset %s, expected %s", m.Dataset, req.Dataset),
			xerrors.KindIntegrity)
	}
	rep.Kind = m.Kind
	logger.Info(ctx, "bundle extracted", "files", rep.Files, "kind", m.Kind, "resources", len(m.Resources))

	// 4. lineage
	if err := e.checkGaps(ctx, req, m, &rep); err != nil {
		return rep, err
	}

	if req.NoSync {
		logger.Warn(ctx, "repository sync skipped on request; synchronize repositories to make the content available")
		return rep, e.finish(ctx, req, names, &rep)
	}

	// 5-6. resolve and sync
	if err := e.sync(ctx, m, &rep); err != nil {
		return rep, err
	}

	// 7. compare counts
	if len(rep.Synced) > 0 {
		e.checkCounts(ctx, m, &rep)
	}

	// 8. history only after the sync
	return rep, e.finish(ctx, req, names, &rep)
}

// Gaps returns datasets listed in the bundle's history that were never
// imported here, excluding the dataset being imported.
func Gaps(bundleHistory []bundle.Dataset, local []string, current bundle.Dataset) []bundle.Dataset {
	have := make(map[string]bool, len(local))
	for _, d := range local {
		have[d] = true
	}
	var gaps []bundle.Dataset
	for _, d := range bundleHistory {
		if d != current && !have[d.String()] {
			gaps = append(gaps, d)
		}
	}
	return gaps
}

func (e *Engine) checkGaps(ctx context.Context, req Request, m bundle.Manifest, rep *Report) error {
	local, err := e.opts.State.ReadHistory(ctx, req.Channel, state.Import)
	if err != nil {
		return err
	}
	rep.Gaps = Gaps(m.History, local, req.Dataset)
	if len(rep.Gaps) == 0 {
		return nil
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.AddGaps(len(rep.Gaps))
	}

	missing := make([]string, len(rep.Gaps))
	for i, d := range rep.Gaps {
		missing[i] = d.String()
		e.logger.Warn(ctx, "dataset missing from import history", "missing_dataset", d.String())
	}

	switch {
	case req.AllowGaps:
		rep.GapsAccepted = true
		return nil
	case req.Unattended || e.opts.Confirmer == nil:
		return xerrors.Mark(
			xerrors.Newf("import history is missing %d earlier dataset(s): %s", len(missing), strings.Join(missing, ", ")),
			xerrors.KindGap)
	}

	ok, err := e.opts.Confirmer.Confirm(ctx, "Earlier datasets were never imported ("+strings.Join(missing, ", ")+"). Continue with import?")
	if err != nil {
		return xerrors.Wrap(err, "confirm import")
	}
	if !ok {
		return xerrors.Mark(xerrors.New("import aborted by operator"), xerrors.KindAborted)
	}
	rep.GapsAccepted = true
	return nil
}

func (e *Engine) sync(ctx context.Context, m bundle.Manifest, rep *Report) error {
	if len(m.Resources) == 0 {
		e.logger.Info(ctx, "no updates in imported content, skipping sync")
		return nil
	}

	repos, err := e.opts.Server.Repositories(ctx)
	if err != nil {
		return err
	}
	byLabel := make(map[string]satellite.Repository, len(repos))
	for _, r := range repos {
		byLabel[r.Label] = r
	}

	var targets []satellite.Repository
	for _, label := range m.Resources {
		r, ok := byLabel[label]
		if !ok {
			e.logger.Warn(ctx, "repository is not enabled, enable it and re-import", "repository", label)
			rep.NotEnabled = append(rep.NotEnabled, label)
			e.incResource("not_enabled")
			continue
		}
		targets = append(targets, r)
	}
	if len(targets) == 0 {
		return xerrors.Mark(
			xerrors.Newf("none of the %d repositories in the bundle are enabled", len(m.Resources)),
			xerrors.KindNothingToDo)
	}

	// never let a resync delete content that is already here
	var ids []int
	for _, r := range targets {
		if err := e.opts.Server.DisableMirrorOnSync(ctx, r.ID); err != nil {
			e.logger.Warn(ctx, "unable to disable mirror-on-sync, not syncing repository", "repository", r.Label, "err", err)
			rep.SyncFailed = append(rep.SyncFailed, r.Label)
			e.incResource("failed")
			continue
		}
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	labels := make(map[int]string, len(targets))
	for _, r := range targets {
		labels[r.ID] = r.Label
	}

	ctx, span := e.tracer.Start(ctx, "import.sync", trace.WithAttributes(attribute.Int("repositories", len(ids))))
	defer span.End()

	br, err := batch.Run(ctx, e.opts.Scheduler, ids, e.opts.BatchSize, func(ctx context.Context, chunk []int) task.Submission {
		return e.opts.Server.SyncRepositories(ctx, chunk)
	})
	if err != nil {
		return xerrors.Wrap(err, "sync repositories")
	}
	for _, c := range br.Chunks {
		for _, id := range c.Items {
			label := labels[id]
			switch c.Outcome {
			case batch.Succeeded:
				rep.Synced = append(rep.Synced, label)
				e.incResource("synced")
			case batch.Conflict:
				rep.SyncConflict = append(rep.SyncConflict, label)
				e.incResource("conflict")
			default:
				rep.SyncFailed = append(rep.SyncFailed, label)
				e.incResource("failed")
			}
		}
	}
	return nil
}

func (e *Engine) checkCounts(ctx context.Context, m bundle.Manifest, rep *Report) {
	repos, err := e.opts.Server.Repositories(ctx)
	if err != nil {
		e.logger.Warn(ctx, "unable to list repositories for count verification", "err", err)
		return
	}
	ids := make(map[string]int, len(repos))
	for _, r := range repos {
		ids[r.Label] = r.ID
	}

	synced := slices.Clone(rep.Synced)
	sort.Strings(synced)
	for _, label := range synced {
		want, ok := m.Counts[label]
		if !ok {
			continue
		}
		chk := CountCheck{Label: label, Expected: want}
		got, err := e.opts.Server.ContentCounts(ctx, ids[label])
		if err != nil {
			chk.Err = err
			chk.Class = CountUnverified
			e.logger.Warn(ctx, "unable to read local content counts", "repository", label, "err", err)
		} else {
			chk.Local = bundle.Counts{Packages: got.RPM, Errata: got.Erratum}
			chk.Class = Classify(want, chk.Local)
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncCountCheck(string(chk.Class))
		}
		if chk.Class != CountMatch && chk.Class != CountUnverified {
			e.logger.Warn(ctx, "repository content count differs from exporting host",
				"repository", label,
				"class", chk.Class,
				"expected_packages", want.Packages,
				"local_packages", chk.Local.Packages,
				"expected_errata", want.Errata,
				"local_errata", chk.Local.Errata,
			)
		}
		rep.Counts = append(rep.Counts, chk)
	}
}

// finish records the dataset and, on a complete import, removes the input.
func (e *Engine) finish(ctx context.Context, req Request, names bundle.Names, rep *Report) error {
	err := e.opts.State.Commit(ctx, state.Commit{
		Channel:   req.Channel,
		Direction: state.Import,
		Dataset:   req.Dataset.String(),
	})
	if err != nil {
		return xerrors.Wrapf(err, "record import of %s", req.Dataset)
	}
	rep.Recorded = true

	switch {
	case !req.RemoveInput:
	case rep.Incomplete():
		e.logger.Info(ctx, "not removing input files due to incomplete sync")
	default:
		if err := removeInput(req.Dir, names, e.opts.ImportDir); err != nil {
			return err
		}
		rep.RemovedInput = true
	}
	return nil
}

func removeInput(dir string, names bundle.Names, importDir string) error {
	if err := bundle.RemoveFiles(dir, names); err != nil {
		return err
	}
	return bundle.Purge(importDir)
}

func (e *Engine) incResource(status string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.IncResource(string(state.Import), status)
	}
}
