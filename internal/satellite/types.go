package satellite

import "time"

// Counts are a repository's content counts.
type Counts struct {
	RPM     int `json:"rpm"`
	Erratum int `json:"erratum"`
}

// SyncStatus is the last synchronization recorded on a repository.
type SyncStatus struct {
	State   string `json:"state"`
	Result  string `json:"result"`
	EndedAt string `json:"ended_at"`
}

// Incomplete is a sync that stopped with warnings. The UI shows these as
// complete even though content may be missing.
func (s *SyncStatus) Incomplete() bool {
	return s != nil && s.State == "stopped" && s.Result == "warning"
}

// Product is the product a repository belongs to.
type Product struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Repository is the subset of a repository record the engines use.
type Repository struct {
	ID                int         `json:"id"`
	Name              string      `json:"name"`
	Label             string      `json:"label"`
	ContentType       string      `json:"content_type"`
	RelativePath      string      `json:"relative_path"`
	BackendIdentifier string      `json:"backend_identifier"`
	URL               *string     `json:"url"`
	Product           Product     `json:"product"`
	LastSync          *SyncStatus `json:"last_sync"`
	ContentCounts     Counts      `json:"content_counts"`
}

// Yum reports a yum repository, the only content type exported.
func (r Repository) Yum() bool { return r.ContentType == "yum" }

// View is a content view with the version that is exported.
type View struct {
	ID        int
	Name      string
	Label     string
	VersionID int
	Version   string
}

// SinceLayout is the timestamp format the export endpoints accept.
const SinceLayout = "2006-01-02 15:04:05"

func formatSince(t time.Time) string { return t.Format(SinceLayout) }
