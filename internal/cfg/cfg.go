// Package cfg holds the satsync flags and their environment fallbacks.
package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	LogFile           string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	ServerURL         string
	Username          string
	Password          string
	Organization      string
	CABundle          string
	RequestTimeout    time.Duration
	RequestsPerSecond float64

	PollInterval      time.Duration
	BatchPollInterval time.Duration
	TransportTimeout  time.Duration
	SyncBatchSize     int

	Disconnected bool
	ExportDir    string
	WorkDir      string
	ImportDir    string
	StateDB      string
	ChannelsFile string
	BundlePrefix string
	ChunkSizeMB  int64
	Compression  string

	AdminPort       int
	EnablePprof     bool
	MetricsTextfile string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	TransferS3Bucket  string
	TransferS3Prefix  string
	TransferSSMPrefix string
	SigningKeyARN     string
	VerifyKeyFile     string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *pflag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", "var/log/satsync.log", "rotated log file, empty disables")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.ServerURL, "server-url", "", "content server base url (https://host)")
	fs.StringVar(&c.Username, "username", "", "API username")
	fs.StringVar(&c.Password, "password", "", "API password (prefer SATSYNC_PASSWORD)")
	fs.StringVar(&c.Organization, "org", "", "organization name or label")
	fs.StringVar(&c.CABundle, "ca-bundle", "", "PEM file with additional CA certificates for the server")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 60*time.Second, "per-request API timeout")
	fs.Float64Var(&c.RequestsPerSecond, "api-rps", 5, "maximum API requests per second")

	fs.DurationVar(&c.PollInterval, "poll-interval", 30*time.Second, "task status poll interval")
	fs.DurationVar(&c.BatchPollInterval, "batch-poll-interval", 10*time.Second, "poll interval for batched tasks")
	fs.DurationVar(&c.TransportTimeout, "transport-timeout", 15*time.Minute, "give up after the server is unreachable this long")
	fs.IntVar(&c.SyncBatchSize, "sync-batch-size", 255, "repositories per bulk sync request")

	fs.BoolVar(&c.Disconnected, "disconnected", false, "this host is the disconnected (import) side")
	fs.StringVar(&c.ExportDir, "export-dir", "/var/lib/pulp/katello-export", "server-side export output directory")
	fs.StringVar(&c.WorkDir, "work-dir", "/var/lib/satsync/export", "where bundles are assembled and written")
	fs.StringVar(&c.ImportDir, "import-dir", "/var/lib/satsync/import", "where inbound bundles are placed and extracted")
	fs.StringVar(&c.StateDB, "state-db", "var/satsync.db", "local state database")
	fs.StringVar(&c.ChannelsFile, "channels-file", "config/exports.yml", "yaml file defining export channels")
	fs.StringVar(&c.BundlePrefix, "bundle-prefix", "sat6_export", "file name prefix for bundle chunks")
	fs.Int64Var(&c.ChunkSizeMB, "chunk-size-mb", 4200, "bundle chunk size in MiB")
	fs.StringVar(&c.Compression, "compression", "none", "bundle compression: none|zstd")

	fs.IntVar(&c.AdminPort, "admin-port", 0, "admin listen TCP port, 0 disables")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write run metrics to this node_exporter textfile on exit")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in --pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.TransferS3Bucket, "transfer-s3-bucket", "", "s3 bucket used to move bundles across the gap, empty disables")
	fs.StringVar(&c.TransferS3Prefix, "transfer-s3-prefix", "satsync/bundles", "s3 key prefix for bundles")
	fs.StringVar(&c.TransferSSMPrefix, "transfer-ssm-prefix", "/satsync", "ssm parameter prefix; <prefix>/<channel>/latest holds the newest dataset")
	fs.StringVar(&c.SigningKeyARN, "signing-key-arn", "", "KMS key ARN used to sign and verify checksum files")
	fs.StringVar(&c.VerifyKeyFile, "verify-key-file", "", "PEM public key to verify checksum files with instead of asking KMS")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if f.Changed {
			if logf != nil {
				logf("flag --%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			f.Changed = false
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	return errors.Join(append(validateServer(c), validateLocal(c)...)...)
}

// ValidateLocal skips the server connection settings, for commands that only
// read local state.
func ValidateLocal(c App) error {
	return errors.Join(validateLocal(c)...)
}

func validateServer(c App) []error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("SERVER_URL is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme != "https" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SERVER_URL must be an https URL (got %q)", c.ServerURL))
	}
	if c.Username == "" {
		errs = append(errs, fmt.Errorf("USERNAME is required"))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("PASSWORD is required"))
	}
	if c.Organization == "" {
		errs = append(errs, fmt.Errorf("ORG is required"))
	}
	if c.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("invalid API_RPS %.2f (must be > 0)", c.RequestsPerSecond))
	}
	return errs
}

func validateLocal(c App) []error {
	var errs []error

	// Polling
	if c.PollInterval < time.Second || c.BatchPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("poll intervals must be at least 1s"))
	}
	if c.TransportTimeout < c.PollInterval {
		errs = append(errs, fmt.Errorf("TRANSPORT_TIMEOUT %s must not be shorter than POLL_INTERVAL %s", c.TransportTimeout, c.PollInterval))
	}
	if c.SyncBatchSize < 1 || c.SyncBatchSize > 1000 {
		errs = append(errs, fmt.Errorf("invalid SYNC_BATCH_SIZE %d (must be 1..1000)", c.SyncBatchSize))
	}

	// Bundles
	if c.ChunkSizeMB < 1 {
		errs = append(errs, fmt.Errorf("invalid CHUNK_SIZE_MB %d (must be >= 1)", c.ChunkSizeMB))
	}
	switch c.Compression {
	case "none", "zstd":
	default:
		errs = append(errs, fmt.Errorf("invalid COMPRESSION %q (none|zstd)", c.Compression))
	}
	if c.BundlePrefix == "" || strings.ContainsAny(c.BundlePrefix, "/ ") {
		errs = append(errs, fmt.Errorf("BUNDLE_PREFIX must be non-empty without slashes or spaces (got %q)", c.BundlePrefix))
	}
	if c.StateDB == "" {
		errs = append(errs, fmt.Errorf("STATE_DB is required"))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Admin
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Transfer
	if c.TransferS3Bucket != "" {
		if c.TransferS3Prefix == "" {
			errs = append(errs, fmt.Errorf("TRANSFER_S3_PREFIX is required when TRANSFER_S3_BUCKET is set"))
		}
		if !strings.HasPrefix(c.TransferSSMPrefix, "/") {
			errs = append(errs, fmt.Errorf("TRANSFER_SSM_PREFIX must start with / when TRANSFER_S3_BUCKET is set (got %q)", c.TransferSSMPrefix))
		}
	}

	return errs
}

// ChunkSize returns the configured chunk size in bytes.
func (c App) ChunkSize() int64 { return c.ChunkSizeMB << 20 }
