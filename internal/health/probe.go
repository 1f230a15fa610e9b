package health

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Probe reports nil when healthy and the reason otherwise.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// All runs ps in order and stops at the first failure. Nil probes pass.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Pinger is satisfied by the state store.
type Pinger interface{ Ping(context.Context) error }

func PingProbe(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return xerrors.Wrapf(p.Ping(ctx), "%s unavailable", name)
	}
}

// ShutdownGate fails readiness once set. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate; an empty reason reads as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}

// Handler answers 200 with body while p passes and 503 with p's error
// otherwise.
func Handler(p Probe, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(body + "\n"))
	}
}
