// Package prof attaches continuous profiling to long exports and imports,
// where most time goes to hashing, compression and waiting on the server.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	// Tags are attached to every profile, e.g. command and channel.
	Tags map[string]string
	// BlockProfileRate enables block profiling when > 0. Useful when chunk
	// writes stall on slow removable media.
	BlockProfileRate int
}

// Start begins profiling and returns a stop func. Failing to start is logged
// and returned; callers treat it as non-fatal.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("profiling enabled without a server address")
	}
	if opts.AppName == "" {
		opts.AppName = "satsync"
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    types,
	})
	if err != nil {
		return noop, xerrors.Wrap(err, "start pyroscope")
	}
	L.Info(ctx, "profiling started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop failed", "err", err)
		}
	}, nil
}
