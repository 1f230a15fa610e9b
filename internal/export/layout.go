package export

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// incrementalSuffix is appended by the server to the export directory of an
// incremental export.
const incrementalSuffix = "-incremental"

// viewBase is where the server writes a content view version export.
func viewBase(exportDir, org string, v satellite.View) string {
	return filepath.Join(exportDir, org+"-"+v.Label+"-v"+versionDir(v))
}

// versionDir renders "1" and "1.0" the same way, as "1.0".
func versionDir(v satellite.View) string {
	if v.Version == "" {
		return strconv.Itoa(v.VersionID) + ".0"
	}
	if strings.Contains(v.Version, ".") {
		return v.Version
	}
	return v.Version + ".0"
}

// repoBase is where the server writes a single repository export.
func repoBase(exportDir, org string, r satellite.Repository) string {
	if r.BackendIdentifier != "" {
		return filepath.Join(exportDir, r.BackendIdentifier)
	}
	return filepath.Join(exportDir, org+"-"+r.Product.Label+"-"+r.Label)
}

// resolveBase returns the directory the server actually wrote. Incremental
// exports land in a suffixed sibling on some server versions.
func resolveBase(base string, incremental bool) string {
	if incremental {
		if fi, err := os.Stat(base + incrementalSuffix); err == nil && fi.IsDir() {
			return base + incrementalSuffix
		}
	}
	return base
}

// PackageCount is the number of package files found under a directory.
type PackageCount struct {
	RPM   int
	DRPM  int
	Files []string
}

func (c PackageCount) Total() int { return c.RPM + c.DRPM }

// countPackages walks dir for *.rpm and *.drpm files. A missing dir is an
// error: the server did not write what it reported.
func countPackages(dir string) (PackageCount, error) {
	var c PackageCount
	if _, err := os.Stat(dir); err != nil {
		return c, xerrors.Wrapf(err, "export path %s was not created", dir)
	}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(p, ".rpm"):
			c.RPM++
			c.Files = append(c.Files, p)
		case strings.HasSuffix(p, ".drpm"):
			c.DRPM++
		}
		return nil
	})
	return c, xerrors.Wrapf(err, "count packages in %s", dir)
}

// mergeTree moves the contents of every base's <org>/Library directory into
// dst, merging directories that several exports share, then removes the base
// directories.
func mergeTree(dst, org string, bases []string) error {
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return xerrors.Wrapf(err, "create %s", dst)
	}
	for _, base := range bases {
		lib := filepath.Join(base, org, "Library")
		entries, err := os.ReadDir(lib)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return xerrors.Wrapf(err, "read %s", lib)
		}
		for _, e := range entries {
			if err := moveInto(filepath.Join(lib, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		if err := os.RemoveAll(base); err != nil {
			return xerrors.Wrapf(err, "remove %s", base)
		}
	}
	return nil
}

// moveInto renames src to dst. When dst is an existing directory the two are
// merged entry by entry; files from src win.
func moveInto(src, dst string) error {
	si, err := os.Lstat(src)
	if err != nil {
		return xerrors.Wrapf(err, "stat %s", src)
	}
	di, err := os.Lstat(dst)
	switch {
	case os.IsNotExist(err):
		if err := os.Rename(src, dst); err != nil {
			if isCrossDevice(err) {
				return copyTree(src, dst)
			}
			return xerrors.Wrapf(err, "move %s", src)
		}
		return nil
	case err != nil:
		return xerrors.Wrapf(err, "stat %s", dst)
	}

	if si.IsDir() && di.IsDir() {
		entries, err := os.ReadDir(src)
		if err != nil {
			return xerrors.Wrapf(err, "read %s", src)
		}
		for _, e := range entries {
			if err := moveInto(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	if err := os.RemoveAll(dst); err != nil {
		return xerrors.Wrapf(err, "replace %s", dst)
	}
	return moveInto(src, dst)
}

func isCrossDevice(err error) bool { return errors.Is(err, syscall.EXDEV) }

// copyTree copies src to dst, following symlinks like the archiver does.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return xerrors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}
