// Package export drives server-side content exports and packages the result
// into a checksummed, chunked bundle for transfer across an air gap.
package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Mode selects what a run exports.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode accepts the flag spellings.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "full", "all":
		return ModeFull, nil
	case "", "incremental", "incr":
		return ModeIncremental, nil
	default:
		return "", xerrors.Newf("unknown export mode %q", s)
	}
}

// Server is the part of the content server an export needs.
type Server interface {
	Repositories(ctx context.Context) ([]satellite.Repository, error)
	DefaultView(ctx context.Context) (satellite.View, error)
	ExportView(ctx context.Context, versionID int, since *time.Time) task.Submission
	ExportRepository(ctx context.Context, repoID int, since *time.Time) task.Submission
	ContentCounts(ctx context.Context, repoID int) (satellite.Counts, error)
	IncompleteSyncs(ctx context.Context) ([]satellite.Repository, error)
}

type Awaiter interface {
	Await(ctx context.Context, id string) (task.Outcome, error)
}

type LockChecker interface {
	Check(ctx context.Context, ref task.Ref) (task.Lock, error)
}

type Store interface {
	ReadCheckpoint(ctx context.Context, channel string) (time.Time, bool, error)
	ReadCheckpoints(ctx context.Context, channel string) (map[string]time.Time, error)
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
}

type Options struct {
	Logger    log.Logger
	Server    Server
	Locks     LockChecker
	Awaiter   Awaiter
	State     Store
	Verifier  PackageVerifier
	Confirmer Confirmer
	Metrics   Metrics
	// Signer, if set, signs the checksum file of every bundle.
	Signer bundle.Signer

	Organization string
	// ExportDir is where the server writes export trees.
	ExportDir string
	// WorkDir holds the merged tree while it is archived, and the bundle.
	WorkDir     string
	Prefix      string
	ChunkSize   int64
	Compression bundle.Compression
	// Disconnected hosts only import.
	Disconnected bool

	Now func() time.Time
}

// Request is one export run.
type Request struct {
	Channel cfg.Channel
	Mode    Mode
	// Since overrides the stored checkpoint.
	Since *time.Time
	// IncludeEmpty lists resources with no new packages in the manifest.
	IncludeEmpty bool
	SkipVerify   bool
	Unattended   bool
	RunID        string
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
	if opts.Verifier == nil {
		opts.Verifier = RPMVerifier{}
	}
	if opts.Prefix == "" {
		opts.Prefix = "sat6_export"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts, logger: opts.Logger, tracer: otel.Tracer("satsync/export")}
}

// TreeDir is the merged export tree inside WorkDir.
func (e *Engine) TreeDir() string { return filepath.Join(e.opts.WorkDir, "export") }

// Run performs one export. Fatal conditions return an error and leave the
// checkpoint where it was; resource-level problems are recorded in the report.
func (e *Engine) Run(ctx context.Context, req Request) (rep Report, err error) {
	ctx, span := e.tracer.Start(ctx, "export.run", trace.WithAttributes(
		attribute.String("channel", req.Channel.Name),
		attribute.String("mode", string(req.Mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	started := e.opts.Now()
	rep = Report{Channel: req.Channel.Name, Started: started, SkippedVerify: req.SkipVerify}
	logger := e.logger.With("channel", req.Channel.Name)

	if e.opts.Disconnected {
		return rep, xerrors.New("export cannot be run on a disconnected host")
	}
	if req.Channel.Name == "" {
		return rep, xerrors.New("export requires a channel")
	}
	if !req.Channel.Primary() && len(req.Channel.Repos) == 0 {
		return rep, xerrors.Newf("channel %s has no repositories", req.Channel.Name)
	}

	if err := e.preflight(ctx, req, &rep); err != nil {
		return rep, err
	}

	sinceFor, err := e.plan(ctx, req)
	if err != nil {
		return rep, err
	}

	// leftovers from an unclean previous run
	if err := os.RemoveAll(e.TreeDir()); err != nil {
		return rep, xerrors.Wrapf(err, "remove stale export tree %s", e.TreeDir())
	}

	var p collected
	if req.Channel.Primary() {
		p, err = e.exportView(ctx, sinceFor(cfg.PrimaryChannel), &rep)
	} else {
		p, err = e.exportRepos(ctx, req, sinceFor, &rep)
	}
	if err != nil {
		return rep, err
	}
	for i := range rep.Resources {
		r := &rep.Resources[i]
		r.Included = r.Status == StatusExported && (r.NewRPMs+r.NewDRPMs > 0 || req.IncludeEmpty)
		e.incResource(r.Status)
	}
	if len(rep.exported()) == 0 {
		return rep, xerrors.Newf("no resource of channel %s was exported", req.Channel.Name)
	}

	if err := e.verifyPackages(ctx, logger, req, p.packages); err != nil {
		return rep, err
	}

	rep.Kind, rep.Since = kindOf(rep.exported())
	rep.Dataset = bundle.NewDataset(started, req.Channel.Name)
	logger = logger.With("dataset", rep.Dataset.String())

	if err := e.mergeTree(p.bases); err != nil {
		return rep, err
	}
	defer os.RemoveAll(e.TreeDir())

	if rep.Manifest, err = e.writeManifest(ctx, req, &rep); err != nil {
		return rep, err
	}

	names := bundle.Names{Prefix: e.opts.Prefix, Dataset: rep.Dataset}
	rep.Bundle, err = bundle.Archive(ctx, bundle.ArchiveOptions{
		Source:      e.TreeDir(),
		OutDir:      e.opts.WorkDir,
		Names:       names,
		ChunkSize:   e.opts.ChunkSize,
		Compression: e.opts.Compression,
	})
	if err != nil {
		return rep, xerrors.Wrapf(err, "archive dataset %s", rep.Dataset)
	}
	if e.opts.Signer != nil {
		if rep.SignaturePath, err = bundle.Sign(ctx, e.opts.Signer, e.opts.WorkDir, names); err != nil {
			return rep, err
		}
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveBundle(string(state.Export), rep.Bundle.Bytes, len(rep.Bundle.Chunks))
	}
	logger.Info(ctx, "bundle written",
		"chunks", len(rep.Bundle.Chunks),
		"bytes", rep.Bundle.Bytes,
		"sums", rep.Bundle.SumsPath,
	)

	if err := e.opts.State.Commit(ctx, e.commitFor(req, rep)); err != nil {
		return rep, xerrors.Wrapf(err, "record export of %s", rep.Dataset)
	}
	rep.Finished = e.opts.Now()
	logger.Info(ctx, "export complete",
		"kind", rep.Kind,
		"included", len(rep.Included()),
		"partial", rep.Partial(),
		"checkpoint", started.Format(time.RFC3339),
	)
	return rep, nil
}

// preflight refuses to export while repositories hold incomplete syncs, unless
// an operator confirms.
func (e *Engine) preflight(ctx context.Context, req Request, rep *Report) error {
	incomplete, err := e.opts.Server.IncompleteSyncs(ctx)
	if err != nil {
		return xerrors.Wrap(err, "check for incomplete syncs")
	}
	if len(incomplete) == 0 {
		return nil
	}
	for _, r := range incomplete {
		rep.IncompleteSyncs = append(rep.IncompleteSyncs, r.Label)
		ended := ""
		if r.LastSync != nil {
			ended = r.LastSync.EndedAt
		}
		e.logger.Warn(ctx, "repository sync incomplete", "repository", r.Label, "repository_id", r.ID, "ended_at", ended)
	}
	if req.Unattended || e.opts.Confirmer == nil {
		return xerrors.Mark(
			xerrors.Newf("export aborted: %d repositories have incomplete syncs", len(incomplete)),
			xerrors.KindAborted)
	}
	ok, err := e.opts.Confirmer.Confirm(ctx, "Incomplete sync jobs detected. Continue with export?")
	if err != nil {
		return xerrors.Wrap(err, "confirm export")
	}
	if !ok {
		return xerrors.Mark(xerrors.New("export aborted by operator"), xerrors.KindAborted)
	}
	e.logger.Info(ctx, "export continued by operator despite incomplete syncs")
	return nil
}

// plan returns the since value to use per resource key. The primary channel
// uses a single key; nil means full.
func (e *Engine) plan(ctx context.Context, req Request) (func(string) *time.Time, error) {
	if req.Since != nil {
		since := *req.Since
		return func(string) *time.Time { return &since }, nil
	}
	if req.Mode == ModeFull {
		return func(string) *time.Time { return nil }, nil
	}

	if req.Channel.Primary() {
		cp, ok, err := e.opts.State.ReadCheckpoint(ctx, req.Channel.Name)
		if err != nil {
			return nil, xerrors.Wrap(err, "read checkpoint")
		}
		if !ok {
			e.logger.Info(ctx, "no prior export recorded, performing full export", "channel", req.Channel.Name)
			return func(string) *time.Time { return nil }, nil
		}
		since := midnight(cp)
		return func(string) *time.Time { return &since }, nil
	}

	cps, err := e.opts.State.ReadCheckpoints(ctx, req.Channel.Name)
	if err != nil {
		return nil, xerrors.Wrap(err, "read checkpoints")
	}
	return func(label string) *time.Time {
		cp, ok := cps[label]
		if !ok {
			return nil
		}
		since := midnight(cp)
		return &since
	}, nil
}

// midnight truncates to the start of the local day. The server's since filter
// is day-inclusive, so this also covers clock skew within the day.
func midnight(t time.Time) time.Time {
	y, m, d := t.In(time.Local).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

type collected struct {
	bases    []string
	packages []string
}

func (e *Engine) exportView(ctx context.Context, since *time.Time, rep *Report) (collected, error) {
	var c collected

	view, err := e.opts.Server.DefaultView(ctx)
	if err != nil {
		return c, err
	}
	ref := task.ViewRef(view.ID, view.Label)
	lock, err := e.opts.Locks.Check(ctx, ref)
	if err != nil {
		return c, xerrors.Wrap(err, "check default view lock")
	}
	if lock.Locked {
		return c, xerrors.Mark(
			xerrors.Newf("%s is locked by task %s (%s, %s)", view.Name, lock.Task.ID, lock.Task.Action(), lock.Reason),
			xerrors.KindConflict)
	}

	repos, err := e.opts.Server.Repositories(ctx)
	if err != nil {
		return c, err
	}

	e.logger.Info(ctx, "exporting default view", "version", view.Version, "incremental", since != nil)
	sub := e.opts.Server.ExportView(ctx, view.VersionID, since)
	switch sub.Status {
	case task.Conflict:
		return c, xerrors.Mark(xerrors.Wrap(sub.Err, "unable to start export, conflicting task in progress"), xerrors.KindConflict)
	case task.Failed:
		return c, xerrors.Wrap(sub.Err, "start default view export")
	}
	out, err := e.opts.Awaiter.Await(ctx, sub.TaskID)
	if err != nil {
		return c, xerrors.Wrapf(err, "wait for export task %s", sub.TaskID)
	}
	if !out.Succeeded() {
		return c, xerrors.Newf("default view export task %s finished %s/%s: %v", sub.TaskID, out.State, out.Result, out.Errors)
	}

	base := resolveBase(viewBase(e.opts.ExportDir, e.opts.Organization, view), since != nil)
	c.bases = append(c.bases, base)

	for _, r := range repos {
		if !r.Yum() {
			continue
		}
		res := Resource{Label: r.Label, Status: StatusExported, TaskID: sub.TaskID, Since: since}
		n, err := countPackages(filepath.Join(base, r.RelativePath))
		if err == nil {
			res.NewRPMs, res.NewDRPMs = n.RPM, n.DRPM
			c.packages = append(c.packages, n.Files...)
		}
		// repositories without new content have no directory in the tree
		if err := e.fillCounts(ctx, r, &res); err != nil {
			return c, err
		}
		rep.Resources = append(rep.Resources, res)
	}
	return c, nil
}

func (e *Engine) exportRepos(ctx context.Context, req Request, sinceFor func(string) *time.Time, rep *Report) (collected, error) {
	var c collected

	repos, err := e.opts.Server.Repositories(ctx)
	if err != nil {
		return c, err
	}
	byLabel := make(map[string]satellite.Repository, len(repos))
	for _, r := range repos {
		byLabel[r.Label] = r
	}

	for _, label := range req.Channel.Repos {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		r, ok := byLabel[label]
		if !ok {
			e.logger.Warn(ctx, "repository not found on server", "repository", label)
			rep.Resources = append(rep.Resources, Resource{Label: label, Status: StatusNotFound})
			continue
		}
		res, pkgs, base, err := e.exportRepo(ctx, r, sinceFor(label))
		if err != nil {
			return c, err
		}
		rep.Resources = append(rep.Resources, res)
		if res.Status == StatusExported {
			c.bases = append(c.bases, base)
			c.packages = append(c.packages, pkgs...)
		}
	}
	return c, nil
}

// exportRepo exports one repository. Only conditions that must stop the whole
// run are returned as errors.
func (e *Engine) exportRepo(ctx context.Context, r satellite.Repository, since *time.Time) (Resource, []string, string, error) {
	res := Resource{Label: r.Label, Since: since}
	logger := e.logger.With("repository", r.Label, "repository_id", r.ID)

	if !r.Yum() {
		res.Status, res.Err = StatusFailed, xerrors.Newf("unsupported content type %q", r.ContentType)
		logger.Warn(ctx, "skipping repository", "content_type", r.ContentType)
		return res, nil, "", nil
	}

	lock, err := e.opts.Locks.Check(ctx, task.RepoRef(r.ID, r.Label))
	if err != nil {
		return res, nil, "", xerrors.Wrapf(err, "check lock on %s", r.Label)
	}
	if lock.Locked {
		res.Status = StatusConflict
		res.Err = xerrors.Mark(xerrors.Newf("locked by task %s (%s)", lock.Task.ID, lock.Task.Action()), xerrors.KindConflict)
		return res, nil, "", nil
	}

	if err := e.fillCounts(ctx, r, &res); err != nil {
		res.Status, res.Err = StatusFailed, err
		logger.Warn(ctx, "unable to read content counts", "err", err)
		return res, nil, "", nil
	}

	logger.Info(ctx, "exporting repository", "incremental", since != nil)
	sub := e.opts.Server.ExportRepository(ctx, r.ID, since)
	res.TaskID = sub.TaskID
	switch sub.Status {
	case task.Conflict:
		res.Status, res.Err = StatusConflict, sub.Err
		logger.Warn(ctx, "export not started, conflicting task in progress", "err", sub.Err)
		return res, nil, "", nil
	case task.Failed:
		res.Status, res.Err = StatusFailed, sub.Err
		logger.Warn(ctx, "export not started", "err", sub.Err)
		return res, nil, "", nil
	}

	out, err := e.opts.Awaiter.Await(ctx, sub.TaskID)
	if err != nil {
		return res, nil, "", xerrors.Wrapf(err, "wait for export task %s (%s)", sub.TaskID, r.Label)
	}
	if !out.Succeeded() {
		res.Status = StatusFailed
		res.Err = xerrors.Newf("export task %s finished %s/%s", sub.TaskID, out.State, out.Result)
		logger.Warn(ctx, "repository export failed", "task_id", sub.TaskID, "result", out.Result, "errors", out.Errors)
		return res, nil, "", nil
	}

	base := resolveBase(repoBase(e.opts.ExportDir, e.opts.Organization, r), since != nil)
	n, err := countPackages(filepath.Join(base, r.RelativePath))
	if err != nil {
		return res, nil, "", xerrors.Wrapf(err, "collect export of %s (check permissions on the export directory)", r.Label)
	}
	res.Status = StatusExported
	res.NewRPMs, res.NewDRPMs = n.RPM, n.DRPM
	logger.Info(ctx, "repository export ok", "new_rpms", n.RPM, "new_drpms", n.DRPM)
	return res, n.Files, base, nil
}

func (e *Engine) fillCounts(ctx context.Context, r satellite.Repository, res *Resource) error {
	counts, err := e.opts.Server.ContentCounts(ctx, r.ID)
	if err != nil {
		return xerrors.Wrapf(err, "content counts for %s", r.Label)
	}
	res.Counts = bundle.Counts{Packages: counts.RPM, Errata: counts.Erratum}
	return nil
}

func (e *Engine) verifyPackages(ctx context.Context, logger log.Logger, req Request, files []string) error {
	if req.SkipVerify {
		logger.Warn(ctx, "package integrity check skipped", "packages", len(files))
		return nil
	}
	if len(files) == 0 {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "export.verify_packages", trace.WithAttributes(attribute.Int("packages", len(files))))
	defer span.End()

	bad, err := e.opts.Verifier.Verify(ctx, files)
	if err != nil {
		return xerrors.Wrap(err, "verify exported packages")
	}
	if len(bad) > 0 {
		for _, f := range bad {
			logger.Warn(ctx, "package failed integrity check", "file", f)
		}
		shown := bad
		if len(shown) > 5 {
			shown = shown[:5]
		}
		return xerrors.Mark(
			xerrors.Newf("%d exported packages failed integrity check: %s", len(bad), strings.Join(shown, ", ")),
			xerrors.KindIntegrity)
	}
	logger.Info(ctx, "package integrity check passed", "packages", len(files))
	return nil
}

func (e *Engine) mergeTree(bases []string) error {
	if err := mergeTree(e.TreeDir(), e.opts.Organization, bases); err != nil {
		return xerrors.Wrap(err, "merge export trees")
	}
	return xerrors.Wrap(bundle.WriteListings(e.TreeDir()), "write listing files")
}

func (e *Engine) writeManifest(ctx context.Context, req Request, rep *Report) (bundle.Manifest, error) {
	history, err := e.opts.State.ReadHistory(ctx, req.Channel.Name, state.Export)
	if err != nil {
		return bundle.Manifest{}, xerrors.Wrap(err, "read export history")
	}
	m := bundle.Manifest{
		Dataset:   rep.Dataset,
		Channel:   req.Channel.Name,
		Kind:      rep.Kind,
		RunID:     req.RunID,
		CreatedAt: rep.Started.UTC(),
		Since:     rep.Since,
		Counts:    map[string]bundle.Counts{},
	}
	for _, d := range history {
		if d != rep.Dataset.String() {
			m.History = append(m.History, bundle.Dataset(d))
		}
	}
	m.History = append(m.History, rep.Dataset)
	for _, r := range rep.Resources {
		if r.Included {
			m.Resources = append(m.Resources, r.Label)
			m.Counts[r.Label] = r.Counts
		}
	}
	if err := bundle.WriteManifest(e.TreeDir(), m); err != nil {
		return m, err
	}
	return m, nil
}

func (e *Engine) commitFor(req Request, rep Report) state.Commit {
	c := state.Commit{
		Channel:   req.Channel.Name,
		Direction: state.Export,
		Dataset:   rep.Dataset.String(),
	}
	if req.Channel.Primary() {
		c.ChannelCheckpoint = rep.Started
		return c
	}
	c.Resources = map[string]time.Time{}
	for _, r := range rep.exported() {
		c.Resources[r.Label] = rep.Started
	}
	return c
}

func (e *Engine) incResource(s Status) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.IncResource(string(state.Export), string(s))
	}
}

// kindOf is incremental when any exported resource used a since value. The
// reported since is the earliest one.
func kindOf(rs []Resource) (bundle.Kind, *time.Time) {
	var since *time.Time
	for _, r := range rs {
		if r.Since != nil && (since == nil || r.Since.Before(*since)) {
			s := *r.Since
			since = &s
		}
	}
	if since == nil {
		return bundle.Full, nil
	}
	return bundle.Incremental, since
}
