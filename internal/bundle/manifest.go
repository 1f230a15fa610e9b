package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// ManifestName is the manifest file at the root of the export tree.
const ManifestName = "manifest.json"

// Kind of export.
type Kind string

const (
	Full        Kind = "full"
	Incremental Kind = "incremental"
)

// Counts are server-side content counts for one resource.
type Counts struct {
	Packages int `json:"packages"`
	Errata   int `json:"errata"`
}

// Manifest describes what a bundle carries.
type Manifest struct {
	Dataset   Dataset    `json:"dataset"`
	Channel   string     `json:"channel"`
	Kind      Kind       `json:"kind"`
	RunID     string     `json:"run_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Since     *time.Time `json:"since,omitempty"`

	// Resources are the repository labels carried by the bundle, sorted.
	Resources []string          `json:"resources"`
	Counts    map[string]Counts `json:"counts"`

	// History is the channel's export history including Dataset itself.
	History []Dataset `json:"history"`
}

// Validate checks internal consistency.
func (m Manifest) Validate() error {
	if _, _, err := m.Dataset.Parse(); err != nil {
		return err
	}
	if m.Channel == "" || m.Dataset.Channel() != m.Channel {
		return xerrors.Newf("manifest channel %q does not match dataset %s", m.Channel, m.Dataset)
	}
	if m.Kind != Full && m.Kind != Incremental {
		return xerrors.Newf("manifest has unknown kind %q", m.Kind)
	}
	return nil
}

// WriteManifest writes m into dir with sorted resources.
func WriteManifest(dir string, m Manifest) error {
	sort.Strings(m.Resources)
	if m.Counts == nil {
		m.Counts = map[string]Counts{}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	return writeFileAtomic(filepath.Join(dir, ManifestName), append(b, '\n'), 0o644)
}

// ReadManifest reads and validates the manifest in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, xerrors.Wrap(err, "read manifest")
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, xerrors.Wrap(err, "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// writeFileAtomic writes via a temp file and rename.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return xerrors.Wrapf(err, "create temp for %s", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Wrapf(err, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrapf(err, "close %s", path)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return xerrors.Wrapf(err, "chmod %s", path)
	}
	return xerrors.Wrapf(os.Rename(tmp.Name(), path), "rename into %s", path)
}
