package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/health"
)

type Options struct {
	// Addr to listen on, e.g. 127.0.0.1:9100.
	Addr        string
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	Status      *health.Tracker
	// Middleware wraps every route, e.g. the metrics middleware.
	Middleware func(http.Handler) http.Handler
	// OnPanic is called after a handler panic is recovered.
	OnPanic func()
}
