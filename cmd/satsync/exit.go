package main

import (
	"context"
	"errors"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

const (
	exitOK = 0
	// exitFatal needs operator attention before re-running.
	exitFatal = 1
	// exitNoAction covers runs that did nothing, or did only part of the work
	// and must be re-run.
	exitNoAction = 2
	exitAborted  = 3
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitAborted
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNothingToDo, xerrors.KindPartial, xerrors.KindConflict:
		return exitNoAction
	case xerrors.KindAborted:
		return exitAborted
	default:
		return exitFatal
	}
}

// result is the label a run is recorded under in metrics and /-/status.
func result(err error) string {
	switch exitCode(err) {
	case exitOK:
		return "ok"
	case exitNoAction:
		switch xerrors.KindOf(err) {
		case xerrors.KindPartial:
			return "partial"
		case xerrors.KindConflict:
			return "locked"
		}
		return "nothing_to_do"
	case exitAborted:
		return "aborted"
	default:
		return "failed"
	}
}
