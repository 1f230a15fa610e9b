package bundle

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// ListingName is the per-directory index of subdirectories that the server's
// CDN importer walks.
const ListingName = "listing"

// WriteListings writes a listing file into root and every directory below it,
// containing the sorted names of its immediate subdirectories.
func WriteListings(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return writeListing(p)
	})
}

func writeListing(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Wrapf(err, "read %s", dir)
	}
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
		}
	}
	sort.Strings(subdirs)

	var b strings.Builder
	for _, s := range subdirs {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, ListingName), []byte(b.String()), 0o644); err != nil {
		return xerrors.Wrapf(err, "write listing in %s", dir)
	}
	return nil
}
