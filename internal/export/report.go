package export

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
)

// Status of one resource in an export run.
type Status string

const (
	StatusExported Status = "exported"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
	StatusNotFound Status = "not_found"
)

// Resource is the per-resource line of a Report.
type Resource struct {
	Label  string
	Status Status
	TaskID string
	// Since is nil for a full export of the resource.
	Since *time.Time
	// NewRPMs and NewDRPMs are the package files written by this export.
	NewRPMs  int
	NewDRPMs int
	Counts   bundle.Counts
	// Included is set when the resource is listed in the manifest.
	Included bool
	Err      error
}

// Report is what an export run did. Recoverable problems are recorded here
// rather than returned as errors.
type Report struct {
	Channel         string
	Dataset         bundle.Dataset
	Kind            bundle.Kind
	Since           *time.Time
	Started         time.Time
	Finished        time.Time
	Resources       []Resource
	IncompleteSyncs []string
	SkippedVerify   bool
	Bundle          bundle.Bundle
	SignaturePath   string
	Manifest        bundle.Manifest
}

// Partial reports whether any resource was not exported.
func (r Report) Partial() bool {
	for _, res := range r.Resources {
		if res.Status != StatusExported {
			return true
		}
	}
	return false
}

// Included lists the labels carried in the bundle manifest.
func (r Report) Included() []string {
	var out []string
	for _, res := range r.Resources {
		if res.Included {
			out = append(out, res.Label)
		}
	}
	return out
}

func (r Report) exported() []Resource {
	var out []Resource
	for _, res := range r.Resources {
		if res.Status == StatusExported {
			out = append(out, res)
		}
	}
	return out
}
