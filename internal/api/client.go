// Package api is the JSON-over-HTTPS client for the content server.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const (
	// maxResponseBytes bounds a decoded response body.
	maxResponseBytes = 64 << 20

	DefaultTimeout = 60 * time.Second
	DefaultRPS     = 5
)

// Metrics receives one observation per request. Optional.
type Metrics interface {
	ObserveAPIRequest(method string, status int, d time.Duration)
}

type Options struct {
	BaseURL  string
	Username string
	Password string
	// CABundle is a PEM file appended to the system roots.
	CABundle string
	Timeout  time.Duration
	// RPS caps the request rate across the whole client.
	RPS     float64
	Logger  log.Logger
	Metrics Metrics
	// HTTPClient replaces the built transport entirely (tests).
	HTTPClient *http.Client
}

// Client issues authenticated JSON requests against the content server.
type Client struct {
	base     string
	username string
	password string
	hc       *http.Client
	limiter  *rate.Limiter
	logger   log.Logger
	metrics  Metrics
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, xerrors.New("BaseURL is required")
	}
	if opts.Username == "" {
		return nil, xerrors.New("Username is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RPS <= 0 {
		opts.RPS = DefaultRPS
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr, err := newTransport(opts.CABundle)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(tr),
		}
	}

	burst := int(opts.RPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		hc:       hc,
		limiter:  rate.NewLimiter(rate.Limit(opts.RPS), burst),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

func newTransport(caBundle string) (*http.Transport, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if caBundle != "" {
		pem, err := os.ReadFile(caBundle)
		if err != nil {
			return nil, xerrors.Wrapf(err, "read ca bundle %s", caBundle)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, xerrors.Newf("no certificates found in %s", caBundle)
		}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return tr, nil
}

// Get decodes the JSON response of GET path into out (nil discards it).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Put sends in as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPut, path, in, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(err, "api rate limiter")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return xerrors.Wrapf(err, "encode %s %s", method, path)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return xerrors.Wrapf(err, "build %s %s", method, path)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.observe(method, 0, start)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(&Error{Method: method, Path: path, Err: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.observe(method, resp.StatusCode, start)
	if err != nil {
		return classify(&Error{Method: method, Path: path, Status: resp.StatusCode, Err: err})
	}

	c.logger.Debug(ctx, "api request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(&Error{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(raw)})
	}
	// the server reports some failures with a 200 and an error object
	if msg, ok := embeddedError(raw); ok {
		return classify(&Error{Method: method, Path: path, Status: resp.StatusCode, Message: msg})
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func (c *Client) url(path string) string {
	return c.base + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) observe(method string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveAPIRequest(method, status, time.Since(start))
	}
}
