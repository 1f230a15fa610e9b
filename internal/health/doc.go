// Package health provides the probes behind the ops listener and a tracker
// for the phase of the running command.
//
// Probes compose with [All]. [CheckFunc] adapts a plain function into a
// [Probe]. [ShutdownGate] fails readiness once a signal asks the process to
// stop, while the current run unwinds.
package health
