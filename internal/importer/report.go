package importer

import (
	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
)

// CountClass compares local content counts with what the exporting host had.
type CountClass string

const (
	CountMatch CountClass = "match"
	// CountMissing is an empty local repository that should have content.
	CountMissing CountClass = "missing"
	// CountBehind is a local repository with less content than expected.
	CountBehind CountClass = "behind"
	// CountAhead is more local content than expected. Expected when the
	// exporting host prunes with mirror-on-sync; reported, not failed.
	CountAhead CountClass = "ahead"
	// CountUnverified means the local counts could not be read.
	CountUnverified CountClass = "unverified"
)

// Classify compares expected and local counts. Packages decide first, errata
// only break a package tie.
func Classify(expected, local bundle.Counts) CountClass {
	switch {
	case local.Packages == 0 && expected.Packages > 0:
		return CountMissing
	case local.Packages < expected.Packages:
		return CountBehind
	case local.Packages > expected.Packages:
		return CountAhead
	case local.Errata < expected.Errata:
		return CountBehind
	case local.Errata > expected.Errata:
		return CountAhead
	default:
		return CountMatch
	}
}

// CountCheck is the post-sync comparison for one resource.
type CountCheck struct {
	Label    string
	Expected bundle.Counts
	Local    bundle.Counts
	Class    CountClass
	Err      error
}

// Report is what an import run did.
type Report struct {
	Dataset bundle.Dataset
	Channel string
	Kind    bundle.Kind
	Files   int

	Gaps         []bundle.Dataset
	GapsAccepted bool
	Reimport     bool

	Synced       []string
	NotEnabled   []string
	SyncFailed   []string
	SyncConflict []string
	NoSync       bool

	Counts []CountCheck

	Recorded     bool
	RemovedInput bool
}

// Incomplete reports an import that needs operator follow-up: resources that
// could not be synced, or a sync that was skipped.
func (r Report) Incomplete() bool {
	return r.NoSync || len(r.NotEnabled) > 0 || len(r.SyncFailed) > 0 || len(r.SyncConflict) > 0
}

// Mismatches are the count checks that were read and did not match.
func (r Report) Mismatches() []CountCheck {
	var out []CountCheck
	for _, c := range r.Counts {
		if c.Class != CountMatch && c.Class != CountUnverified {
			out = append(out, c)
		}
	}
	return out
}

// Unverified are the count checks whose local counts could not be read.
func (r Report) Unverified() []CountCheck {
	var out []CountCheck
	for _, c := range r.Counts {
		if c.Class == CountUnverified {
			out = append(out, c)
		}
	}
	return out
}
