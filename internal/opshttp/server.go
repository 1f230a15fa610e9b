// Package opshttp is the optional admin listener a long-running export or
// import exposes: health, readiness, run status, metrics and pprof.
package opshttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/health"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const DefaultAddr = "127.0.0.1:9100"

// Router builds the ops routes. Exposed for tests.
func Router(L log.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer(L, opts.OnPanic))
	r.Use(accessLog(L))
	if opts.Middleware != nil {
		r.Use(opts.Middleware)
	}

	r.Get("/-/healthy", health.Handler(opts.Health, "ok"))
	r.Get("/-/ready", health.Handler(opts.Readiness, "ready"))
	r.Get("/-/status", statusHandler(opts.Status))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	if opts.EnablePprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(requireNonPublicNetwork)
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/{name}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			}))
		})
	} else {
		r.HandleFunc("/debug/pprof/*", http.NotFound)
	}
	return r
}

// Start serves the ops routes in the background and returns stop(ctx) for
// graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           Router(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile requests run for 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

func statusHandler(t *health.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := health.Status{Phase: "idle"}
		if t != nil {
			st = t.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

func recoverer(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					L.Error(r.Context(), xerrors.Newf("panic: %v", rec), "ops http handler panic",
						"path", r.URL.Path,
						"request_id", middleware.GetReqID(r.Context()),
					)
					if onPanic != nil {
						onPanic()
					}
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog records each request at debug level. Probe hits are skipped;
// a supervisor polls them every few seconds.
func accessLog(L log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready" {
				return
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			L.Debug(r.Context(), "ops http request",
				"request_id", middleware.GetReqID(r.Context()),
				"http.request.method", r.Method,
				"http.route", route,
				"http.response.status_code", status,
				"http.response.body.size", ww.BytesWritten(),
				"http.server.request.duration", time.Since(start).Seconds(),
			)
		})
	}
}

// requireNonPublicNetwork rejects callers outside loopback and private ranges.
func requireNonPublicNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip = ip.Unmap()
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
