package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/api"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/batch"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/health"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/prof"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/prompt"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/transfer"
	v "github.com/keithlinneman/linnemanlabs-satsync/internal/version"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const appName = "satsync"

// run is everything one command invocation sets up and tears down.
type run struct {
	conf    cfg.App
	command string
	id      string
	started time.Time

	L       log.Logger
	metrics *metrics.SyncMetrics
	tracker *health.Tracker
	gate    health.ShutdownGate
	store   *state.Store
	term    *prompt.Terminal

	aws     *aws.Config
	closers []func(context.Context) error
}

type runOptions struct {
	command string
	channel string
	// server commands need connection settings.
	server bool
}

// start builds the logger, telemetry, state store and, when configured, the
// ops listener. The returned context carries the logger.
func (c *cli) start(ctx context.Context, o runOptions) (context.Context, *run, error) {
	r := &run{
		conf:    c.conf,
		command: o.command,
		id:      uuid.NewString(),
		started: time.Now(),
		term:    prompt.NewTerminal(os.Stdin, c.stderr),
	}

	if o.server && r.conf.Password == "" && r.term.Interactive() {
		pw, err := r.term.Password(ctx, "Password for "+r.conf.Username)
		if err != nil {
			return ctx, nil, err
		}
		r.conf.Password = pw
	}

	validate := cfg.ValidateLocal
	if o.server {
		validate = cfg.Validate
	}
	if err := validate(r.conf); err != nil {
		return ctx, nil, xerrors.Wrap(err, "config")
	}

	lvl, _ := log.ParseLevel(r.conf.LogLevel)
	stackLvl, _ := log.ParseLevel(r.conf.StacktraceLevel)
	vi := v.Get()
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        r.conf.LogJSON,
		MaxErrorLinks:     r.conf.MaxErrorLinks,
		IncludeErrorLinks: r.conf.IncludeErrorLinks,
		Writer:            c.stderr,
		RunID:             r.id,
		File:              r.conf.LogFile,
	})
	if err != nil {
		return ctx, nil, xerrors.Wrap(err, "logger init")
	}
	r.L = lg.With("command", o.command)
	ctx = log.WithContext(ctx, r.L)
	r.closers = append(r.closers, func(context.Context) error { return lg.Sync() })

	r.metrics = metrics.New()
	r.metrics.SetBuildInfoFromVersion(appName, o.command, &vi)
	r.tracker = health.NewTracker()
	r.tracker.OnPhase = r.metrics.SetPhase
	r.tracker.Start(o.command, o.channel, r.id)

	r.L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"channel", o.channel,
		"server_url", r.conf.ServerURL,
		"org", r.conf.Organization,
		"disconnected", r.conf.Disconnected,
		"state_db", r.conf.StateDB,
		"admin_port", r.conf.AdminPort,
		"enable_tracing", r.conf.EnableTracing,
		"enable_pyroscope", r.conf.EnablePyroscope,
	)

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  r.conf.EnableTracing,
		Endpoint: r.conf.OTLPEndpoint,
		// collector runs on localhost
		Insecure: true,
		Sample:   r.conf.TraceSample,
		Service:  appName,
		Command:  o.command,
		Version:  vi.Version,
		RunID:    r.id,
	})
	if err != nil {
		r.L.Error(ctx, err, "otel init failed, continuing without trace export")
	} else {
		r.closers = append(r.closers, shutdownOTEL)
	}

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       r.conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: r.conf.PyroServer,
		TenantID:      r.conf.PyroTenantID,
		Tags: map[string]string{
			"command": o.command,
			"version": vi.Version,
			"run_id":  r.id,
		},
	})
	if err != nil {
		r.L.Error(ctx, err, "pyroscope start failed", "pyro_server", r.conf.PyroServer)
	}
	r.metrics.SetProfilingActive(r.conf.EnablePyroscope && err == nil)
	r.closers = append(r.closers, func(context.Context) error { stopProf(); return nil })

	r.store, err = state.Open(ctx, r.conf.StateDB)
	if err != nil {
		r.close(ctx)
		return ctx, nil, err
	}
	r.closers = append(r.closers, func(context.Context) error { return r.store.Close() })

	if r.conf.AdminPort > 0 {
		stopOps, err := opshttp.Start(ctx, r.L, opshttp.Options{
			Addr:        fmt.Sprintf(":%d", r.conf.AdminPort),
			Metrics:     r.metrics.Handler(),
			EnablePprof: r.conf.EnablePprof,
			Health:      health.CheckFunc(func(context.Context) error { return nil }),
			Readiness:   health.All(r.gate.Probe(), health.PingProbe("state", r.store)),
			Status:      r.tracker,
			Middleware:  r.metrics.Middleware,
			OnPanic:     r.metrics.IncHttpPanic,
		})
		if err != nil {
			// a second satsync already holds the port; the run itself is unaffected
			r.L.Error(ctx, err, "ops listener not started", "admin_port", r.conf.AdminPort)
		} else {
			r.closers = append(r.closers, stopOps)
		}
	}

	return ctx, r, nil
}

// finish records the outcome of the run and releases everything start built.
func (r *run) finish(ctx context.Context, channel string, err error) {
	res := result(err)
	finished := time.Now()
	r.tracker.Finish(res, err)
	r.metrics.ObserveRun(r.command, channel, res, r.started, finished)

	if err != nil {
		r.L.Error(ctx, err, "run finished", "result", res, "duration", finished.Sub(r.started).String())
	} else {
		r.L.Info(ctx, "run finished", "result", res, "duration", finished.Sub(r.started).String())
	}

	if r.conf.MetricsTextfile != "" {
		if werr := r.metrics.WriteToTextfile(r.conf.MetricsTextfile); werr != nil {
			r.L.Error(ctx, werr, "write metrics textfile", "path", r.conf.MetricsTextfile)
		}
	}
	r.gate.Set("run finished")
	r.close(ctx)
}

func (r *run) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](shutdownCtx); err != nil && r.L != nil {
			r.L.Warn(shutdownCtx, "shutdown step failed", "err", err)
		}
	}
	r.closers = nil
}

// confirmer prompts on the terminal unless the run is unattended.
func (r *run) confirmer(unattended bool) prompt.Confirmer {
	if unattended {
		return prompt.Fixed(false)
	}
	return r.term
}

// satellite connects to the server and scopes the client to the configured
// organization.
func (r *run) satellite(ctx context.Context) (*satellite.Client, error) {
	gw, err := api.New(api.Options{
		BaseURL:  r.conf.ServerURL,
		Username: r.conf.Username,
		Password: r.conf.Password,
		CABundle: r.conf.CABundle,
		Timeout:  r.conf.RequestTimeout,
		RPS:      r.conf.RequestsPerSecond,
		Logger:   r.L.With("component", "api"),
		Metrics:  r.metrics,
	})
	if err != nil {
		return nil, err
	}
	sat := satellite.New(gw)
	orgID, err := sat.OrganizationID(ctx, r.conf.Organization)
	if err != nil {
		return nil, err
	}
	sat = sat.ForOrganization(orgID)
	r.L.Info(ctx, "connected", "server_url", r.conf.ServerURL, "org", r.conf.Organization, "org_id", sat.OrgID())
	return sat, nil
}

func (r *run) monitor(src task.Source) *task.Monitor {
	return task.NewMonitor(task.MonitorOptions{
		Logger:           r.L.With("component", "task"),
		Source:           src,
		PollInterval:     r.conf.PollInterval,
		TransportTimeout: r.conf.TransportTimeout,
		Metrics:          r.metrics,
		OnProgress: func(t task.Task) {
			r.tracker.SetPhase("waiting on " + t.Action())
		},
	})
}

func (r *run) scheduler(m *task.Monitor) *batch.Scheduler {
	return batch.New(batch.Options{
		Logger:  r.L.With("component", "batch"),
		Awaiter: m.WithInterval(r.conf.BatchPollInterval),
		Metrics: r.metrics,
	})
}

func (r *run) awsConfig(ctx context.Context) (aws.Config, error) {
	if r.aws != nil {
		return *r.aws, nil
	}
	c, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	r.aws = &c
	return c, nil
}

// signer is nil when no signing key is configured.
func (r *run) signer(ctx context.Context) (*cryptoutil.KMSSigner, error) {
	if r.conf.SigningKeyARN == "" {
		return nil, nil
	}
	c, err := r.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return cryptoutil.NewKMSSigner(kms.NewFromConfig(c), r.conf.SigningKeyARN), nil
}

// verifier checks checksum signatures on import. A local public key wins
// over KMS; nil when neither is configured.
func (r *run) verifier(ctx context.Context) (*cryptoutil.KMSSigner, error) {
	if r.conf.VerifyKeyFile != "" {
		return cryptoutil.LoadStaticVerifier(r.conf.VerifyKeyFile)
	}
	return r.signer(ctx)
}

// transfer is nil when no bucket is configured.
func (r *run) transfer(ctx context.Context) (*transfer.Client, error) {
	if r.conf.TransferS3Bucket == "" {
		return nil, nil
	}
	c, err := r.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return transfer.New(transfer.Options{
		Logger:      r.L.With("component", "transfer"),
		S3:          s3.NewFromConfig(c),
		SSM:         ssm.NewFromConfig(c),
		Metrics:     r.metrics,
		Bucket:      r.conf.TransferS3Bucket,
		KeyPrefix:   r.conf.TransferS3Prefix,
		ParamPrefix: r.conf.TransferSSMPrefix,
		FilePrefix:  r.conf.BundlePrefix,
	})
}
