package export

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const org = "ACME"

// fakes

type exportCall struct {
	id    int
	view  bool
	since *time.Time
}

// fakeServer writes export trees to disk the way the content server does.
type fakeServer struct {
	exportDir  string
	view       satellite.View
	repos      []satellite.Repository
	incomplete []satellite.Repository
	// pending package files per repository id, written by the next export
	// that covers the repository and then cleared
	pending map[int][]string
	status  map[int]task.SubmitStatus
	calls   []exportCall
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	return &fakeServer{
		exportDir: t.TempDir(),
		view:      satellite.View{ID: 1, Name: satellite.DefaultViewName, Label: "Default_Organization_View", VersionID: 1, Version: "1.0"},
		repos: []satellite.Repository{
			yumRepo(10, "rhel-7-server-rpms", "content/dist/rhel/server/7/7Server/x86_64/os"),
			yumRepo(11, "epel7", "custom/epel/epel7"),
			yumRepo(12, "tools", "custom/internal/tools"),
			{ID: 13, Label: "isos", ContentType: "file"},
		},
		pending: map[int][]string{
			10: {"Packages/a/a-1.rpm", "Packages/b/b-1.rpm"},
			11: {"Packages/e/e-1.rpm", "Packages/e/e-1.drpm"},
			12: {"Packages/t/t-1.rpm"},
		},
		status: map[int]task.SubmitStatus{},
	}
}

func yumRepo(id int, label, rel string) satellite.Repository {
	return satellite.Repository{
		ID:                id,
		Label:             label,
		ContentType:       "yum",
		RelativePath:      org + "/Library/" + rel,
		BackendIdentifier: "backend-" + label,
		Product:           satellite.Product{Label: "prod"},
	}
}

func (s *fakeServer) Repositories(context.Context) ([]satellite.Repository, error) {
	return s.repos, nil
}

func (s *fakeServer) DefaultView(context.Context) (satellite.View, error) { return s.view, nil }

func (s *fakeServer) IncompleteSyncs(context.Context) ([]satellite.Repository, error) {
	return s.incomplete, nil
}

func (s *fakeServer) ContentCounts(_ context.Context, id int) (satellite.Counts, error) {
	return satellite.Counts{RPM: id * 100, Erratum: id}, nil
}

func (s *fakeServer) ExportView(_ context.Context, versionID int, since *time.Time) task.Submission {
	s.calls = append(s.calls, exportCall{id: versionID, view: true, since: since})
	base := viewBase(s.exportDir, org, s.view)
	for _, r := range s.repos {
		if r.Yum() {
			s.write(base, r)
		}
	}
	return task.Submission{Status: task.Submitted, TaskID: "view-task"}
}

func (s *fakeServer) ExportRepository(_ context.Context, id int, since *time.Time) task.Submission {
	s.calls = append(s.calls, exportCall{id: id, since: since})
	if st, ok := s.status[id]; ok && st != task.Submitted {
		return task.Submission{Status: st, Err: xerrors.New("refused")}
	}
	for _, r := range s.repos {
		if r.ID != id {
			continue
		}
		base := repoBase(s.exportDir, org, r)
		if since != nil {
			base += incrementalSuffix
		}
		s.write(base, r)
	}
	return task.Submission{Status: task.Submitted, TaskID: "repo-task-" + strconv.Itoa(id)}
}

func (s *fakeServer) write(base string, r satellite.Repository) {
	dir := filepath.Join(base, r.RelativePath)
	_ = os.MkdirAll(dir, 0o755)
	for _, f := range s.pending[r.ID] {
		p := filepath.Join(dir, f)
		_ = os.MkdirAll(filepath.Dir(p), 0o755)
		_ = os.WriteFile(p, []byte(f), 0o644)
	}
	_ = os.WriteFile(filepath.Join(dir, "repomd.xml"), []byte("<repomd/>"), 0o644)
	delete(s.pending, r.ID)
}

type fakeAwaiter struct {
	results map[string]task.Result
	err     error
}

func (a *fakeAwaiter) Await(_ context.Context, id string) (task.Outcome, error) {
	if a.err != nil {
		return task.Outcome{}, a.err
	}
	res := task.ResultSuccess
	if r, ok := a.results[id]; ok {
		res = r
	}
	return task.Outcome{ID: id, State: task.StateStopped, Result: res}, nil
}

type fakeLocks struct {
	locked map[string]bool
}

func (l *fakeLocks) Check(_ context.Context, ref task.Ref) (task.Lock, error) {
	if l.locked[ref.Label] {
		return task.Lock{Locked: true, Task: task.Task{ID: "busy"}, Reason: "running task on resource"}, nil
	}
	return task.Lock{}, nil
}

type fakeVerifier struct {
	bad   []string
	calls int
	files int
}

func (v *fakeVerifier) Verify(_ context.Context, files []string) ([]string, error) {
	v.calls++
	v.files += len(files)
	return v.bad, nil
}

type fixedConfirmer bool

func (c fixedConfirmer) Confirm(context.Context, string) (bool, error) { return bool(c), nil }

type harness struct {
	server   *fakeServer
	awaiter  *fakeAwaiter
	locks    *fakeLocks
	verifier *fakeVerifier
	store    *state.Store
	workDir  string
	now      time.Time
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		server:   newFakeServer(t),
		awaiter:  &fakeAwaiter{},
		locks:    &fakeLocks{locked: map[string]bool{}},
		verifier: &fakeVerifier{},
		store:    store,
		workDir:  t.TempDir(),
		now:      time.Date(2026, 3, 4, 15, 30, 0, 0, time.Local),
	}
	return h
}

func (h *harness) engine() *Engine {
	opts := h.opts
	opts.Server = h.server
	opts.Awaiter = h.awaiter
	opts.Locks = h.locks
	opts.State = h.store
	opts.Verifier = h.verifier
	opts.Organization = org
	opts.ExportDir = h.server.exportDir
	opts.WorkDir = h.workDir
	opts.Prefix = "sat6_export"
	opts.Now = func() time.Time { return h.now }
	return New(opts)
}

func primary() cfg.Channel { return cfg.Channel{Name: cfg.PrimaryChannel} }

func channel(repos ...string) cfg.Channel { return cfg.Channel{Name: "ops", Repos: repos} }

// primary channel

func TestRun_NoCheckpointSelectsFullAndRecordsStartTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rep, err := h.engine().Run(ctx, Request{Channel: primary(), Mode: ModeIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Kind != bundle.Full || rep.Since != nil {
		t.Fatalf("kind = %s since = %v, want full", rep.Kind, rep.Since)
	}
	if len(h.server.calls) != 1 || !h.server.calls[0].view || h.server.calls[0].since != nil {
		t.Fatalf("export calls = %+v", h.server.calls)
	}

	cp, ok, err := h.store.ReadCheckpoint(ctx, cfg.PrimaryChannel)
	if err != nil || !ok {
		t.Fatalf("checkpoint ok=%v err=%v", ok, err)
	}
	if !cp.Equal(h.now) {
		t.Fatalf("checkpoint = %v, want run start %v", cp, h.now)
	}

	if rep.Dataset != "20260304-1530_DoV" {
		t.Fatalf("dataset = %s", rep.Dataset)
	}
	hist, _ := h.store.ReadHistory(ctx, cfg.PrimaryChannel, state.Export)
	if len(hist) != 1 || hist[0] != string(rep.Dataset) {
		t.Fatalf("history = %v", hist)
	}

	want := []string{"epel7", "rhel-7-server-rpms", "tools"}
	if got := rep.Manifest.Resources; len(got) != len(want) {
		t.Fatalf("manifest resources = %v, want %v", got, want)
	}
	if rep.Manifest.Counts["epel7"].Packages != 1100 {
		t.Fatalf("counts = %+v", rep.Manifest.Counts)
	}
	if h.verifier.files != 4 {
		t.Fatalf("verified %d rpm files, want 4", h.verifier.files)
	}
	if _, err := bundle.Verify(h.workDir, rep.Bundle.Names); err != nil {
		t.Fatalf("bundle does not verify: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.workDir, "export")); !os.IsNotExist(err) {
		t.Fatalf("merged tree left behind: %v", err)
	}
}

func TestRun_IncrementalUsesMidnightOfCheckpointDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	last := time.Date(2026, 3, 1, 18, 45, 12, 0, time.Local)
	if err := h.store.WriteCheckpoint(ctx, cfg.PrimaryChannel, last); err != nil {
		t.Fatal(err)
	}

	rep, err := h.engine().Run(ctx, Request{Channel: primary(), Mode: ModeIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	since := h.server.calls[0].since
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local)
	if since == nil || !since.Equal(want) {
		t.Fatalf("since = %v, want %v", since, want)
	}
	if rep.Kind != bundle.Incremental || rep.Manifest.Since == nil {
		t.Fatalf("kind = %s since = %v", rep.Kind, rep.Manifest.Since)
	}
}

func TestRun_SinceOverrideIsPassedUnchanged(t *testing.T) {
	h := newHarness(t)
	override := time.Date(2026, 2, 10, 13, 14, 15, 0, time.Local)
	if _, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull, Since: &override}); err != nil {
		t.Fatal(err)
	}
	if got := h.server.calls[0].since; got == nil || !got.Equal(override) {
		t.Fatalf("since = %v, want %v", got, override)
	}
}

func TestRun_FullThenIncrementalHasNoNewResources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine().Run(ctx, Request{Channel: primary(), Mode: ModeFull}); err != nil {
		t.Fatalf("full: %v", err)
	}
	h.now = h.now.Add(time.Hour)
	rep, err := h.engine().Run(ctx, Request{Channel: primary(), Mode: ModeIncremental})
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if len(rep.Manifest.Resources) != 0 {
		t.Fatalf("incremental manifest resources = %v, want none", rep.Manifest.Resources)
	}
	if len(rep.Manifest.History) != 2 {
		t.Fatalf("history = %v", rep.Manifest.History)
	}
}

func TestRun_IncludeEmptyKeepsResources(t *testing.T) {
	h := newHarness(t)
	h.server.pending = nil
	rep, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull, IncludeEmpty: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Manifest.Resources) != 3 {
		t.Fatalf("resources = %v", rep.Manifest.Resources)
	}
}

func TestRun_PrimaryLockedIsFatal(t *testing.T) {
	h := newHarness(t)
	h.locks.locked["Default_Organization_View"] = true
	ctx := context.Background()

	_, err := h.engine().Run(ctx, Request{Channel: primary(), Mode: ModeFull})
	if !xerrors.Is(err, xerrors.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if len(h.server.calls) != 0 {
		t.Fatal("export must not start on a locked view")
	}
	if _, ok, _ := h.store.ReadCheckpoint(ctx, cfg.PrimaryChannel); ok {
		t.Fatal("checkpoint advanced after fatal lock")
	}
}

func TestRun_IntegrityFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.verifier.bad = []string{"/x/a-1.rpm"}
	ctx := context.Background()

	_, err := h.engine().Run(ctx, Request{Channel: primary(), Mode: ModeFull})
	if !xerrors.Is(err, xerrors.KindIntegrity) {
		t.Fatalf("err = %v, want integrity", err)
	}
	if _, ok, _ := h.store.ReadCheckpoint(ctx, cfg.PrimaryChannel); ok {
		t.Fatal("checkpoint advanced after integrity failure")
	}
	if hist, _ := h.store.ReadHistory(ctx, cfg.PrimaryChannel, state.Export); len(hist) != 0 {
		t.Fatalf("history = %v", hist)
	}
}

func TestRun_SkipVerify(t *testing.T) {
	h := newHarness(t)
	h.verifier.bad = []string{"/x/a-1.rpm"}
	rep, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull, SkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	if h.verifier.calls != 0 || !rep.SkippedVerify {
		t.Fatalf("verifier calls = %d", h.verifier.calls)
	}
}

type recordingSigner struct{ signed []byte }

func (s *recordingSigner) Sign(_ context.Context, m []byte) ([]byte, error) {
	s.signed = append([]byte(nil), m...)
	return []byte("sig"), nil
}

func TestRun_SignsChecksumFile(t *testing.T) {
	h := newHarness(t)
	signer := &recordingSigner{}
	h.opts.Signer = signer
	rep, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sums, err := os.ReadFile(rep.Bundle.SumsPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(signer.signed) != string(sums) {
		t.Fatal("signer did not receive the checksum file")
	}
	if _, err := os.Stat(rep.SignaturePath); err != nil {
		t.Fatalf("signature file: %v", err)
	}
}

func TestRun_ViewTaskFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.awaiter.results = map[string]task.Result{"view-task": task.ResultError}
	if _, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_TransportTimeoutIsFatal(t *testing.T) {
	h := newHarness(t)
	h.awaiter.err = xerrors.Mark(xerrors.New("server unreachable"), xerrors.KindTransport)
	_, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull})
	if !xerrors.Is(err, xerrors.KindTransport) {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_RefusedOnDisconnectedHost(t *testing.T) {
	h := newHarness(t)
	h.opts.Disconnected = true
	if _, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull}); err == nil {
		t.Fatal("expected error")
	}
	if len(h.server.calls) != 0 {
		t.Fatal("export started on disconnected host")
	}
}

func TestRun_IncompleteSyncs(t *testing.T) {
	tests := []struct {
		name       string
		unattended bool
		confirmer  Confirmer
		wantErr    bool
	}{
		{"unattended aborts", true, fixedConfirmer(true), true},
		{"no confirmer aborts", false, nil, true},
		{"operator declines", false, fixedConfirmer(false), true},
		{"operator continues", false, fixedConfirmer(true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.server.incomplete = []satellite.Repository{{ID: 11, Label: "epel7", LastSync: &satellite.SyncStatus{State: "stopped", Result: "warning"}}}
			h.opts.Confirmer = tt.confirmer

			rep, err := h.engine().Run(context.Background(), Request{Channel: primary(), Mode: ModeFull, Unattended: tt.unattended})
			if tt.wantErr {
				if !xerrors.Is(err, xerrors.KindAborted) {
					t.Fatalf("err = %v, want aborted", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(rep.IncompleteSyncs) != 1 {
				t.Fatalf("incomplete = %v", rep.IncompleteSyncs)
			}
		})
	}
}

// per-resource channels

func TestRun_ChannelSkipsLockedAndMissing(t *testing.T) {
	h := newHarness(t)
	h.locks.locked["epel7"] = true
	ctx := context.Background()

	rep, err := h.engine().Run(ctx, Request{Channel: channel("rhel-7-server-rpms", "epel7", "missing"), Mode: ModeIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := map[string]Status{}
	for _, r := range rep.Resources {
		got[r.Label] = r.Status
	}
	want := map[string]Status{"rhel-7-server-rpms": StatusExported, "epel7": StatusConflict, "missing": StatusNotFound}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s status = %s, want %s", k, got[k], v)
		}
	}
	if !rep.Partial() {
		t.Fatal("report should be partial")
	}

	cps, err := h.store.ReadCheckpoints(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || !cps["rhel-7-server-rpms"].Equal(h.now) {
		t.Fatalf("checkpoints = %v", cps)
	}
	if len(rep.Manifest.Resources) != 1 || rep.Manifest.Resources[0] != "rhel-7-server-rpms" {
		t.Fatalf("manifest = %v", rep.Manifest.Resources)
	}
}

func TestRun_ChannelPerResourceSince(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.store.Commit(ctx, state.Commit{
		Channel:   "ops",
		Resources: map[string]time.Time{"epel7": time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)},
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := h.engine().Run(ctx, Request{Channel: channel("epel7", "tools"), Mode: ModeIncremental})
	if err != nil {
		t.Fatal(err)
	}
	sinces := map[int]*time.Time{}
	for _, c := range h.server.calls {
		sinces[c.id] = c.since
	}
	if s := sinces[11]; s == nil || !s.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local)) {
		t.Fatalf("epel7 since = %v", s)
	}
	if sinces[12] != nil {
		t.Fatalf("tools has no checkpoint, want full; since = %v", sinces[12])
	}
	if rep.Kind != bundle.Incremental {
		t.Fatalf("kind = %s", rep.Kind)
	}
	// epel7 was exported incrementally into the suffixed directory
	if rep.Resources[0].NewRPMs != 1 || rep.Resources[0].NewDRPMs != 1 {
		t.Fatalf("epel7 = %+v", rep.Resources[0])
	}
}

func TestRun_ChannelSubmitConflictAndTaskFailure(t *testing.T) {
	h := newHarness(t)
	h.server.status[10] = task.Conflict
	h.awaiter.results = map[string]task.Result{"repo-task-11": task.ResultWarning}

	rep, err := h.engine().Run(context.Background(), Request{Channel: channel("rhel-7-server-rpms", "epel7", "tools"), Mode: ModeFull})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Status{StatusConflict, StatusFailed, StatusExported}
	for i, w := range want {
		if rep.Resources[i].Status != w {
			t.Errorf("resource %s = %s, want %s", rep.Resources[i].Label, rep.Resources[i].Status, w)
		}
	}
}

func TestRun_ChannelNothingExported(t *testing.T) {
	h := newHarness(t)
	h.locks.locked["tools"] = true
	ctx := context.Background()
	if _, err := h.engine().Run(ctx, Request{Channel: channel("tools"), Mode: ModeFull}); err == nil {
		t.Fatal("expected error when nothing was exported")
	}
	if cps, _ := h.store.ReadCheckpoints(ctx, "ops"); len(cps) != 0 {
		t.Fatalf("checkpoints = %v", cps)
	}
}

func TestRun_ChannelMissingExportPathIsFatal(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	// the server reports success but nothing appears where the engine looks
	e.opts.ExportDir = t.TempDir()
	if _, err := e.Run(context.Background(), Request{Channel: channel("tools"), Mode: ModeFull}); err == nil {
		t.Fatal("expected error for missing export path")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"full": ModeFull, "all": ModeFull, "": ModeIncremental, "incr": ModeIncremental} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("weekly"); err == nil {
		t.Error("expected error")
	}
}
