package bundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Extract unpacks verified chunks (in order) into dst. Only directories and
// regular files are accepted; any entry that would land outside dst fails
// the whole extraction.
func Extract(ctx context.Context, chunks []string, dst string) (int, error) {
	files := make([]*os.File, 0, len(chunks))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	readers := make([]io.Reader, 0, len(chunks))
	for _, p := range chunks {
		f, err := os.Open(p)
		if err != nil {
			return 0, xerrors.Wrapf(err, "open chunk %s", p)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	br := bufio.NewReaderSize(io.MultiReader(readers...), 1<<20)
	var stream io.Reader = br
	if head, _ := br.Peek(len(zstdMagic)); bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return 0, xerrors.Wrap(err, "create zstd decoder")
		}
		defer zr.Close()
		stream = zr
	}

	if err := os.MkdirAll(dst, 0o750); err != nil {
		return 0, xerrors.Wrapf(err, "create %s", dst)
	}
	return untar(ctx, tar.NewReader(stream), dst)
}

func untar(ctx context.Context, tr *tar.Reader, dst string) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, xerrors.Mark(xerrors.Wrap(err, "read tar entry"), xerrors.KindIntegrity)
		}

		target, err := pathutil.Within(dst, hdr.Name)
		if err != nil {
			return n, xerrors.Mark(err, xerrors.KindIntegrity)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return n, xerrors.Wrapf(err, "create %s", target)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr); err != nil {
				return n, err
			}
			n++
		default:
			return n, xerrors.Mark(
				xerrors.Newf("unsupported tar entry type %q for %s", hdr.Typeflag, hdr.Name),
				xerrors.KindIntegrity)
		}
	}
}

func writeEntry(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return xerrors.Wrapf(err, "create parent of %s", target)
	}
	mode := os.FileMode(hdr.Mode).Perm() | 0o600
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", target)
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return xerrors.Mark(xerrors.Wrapf(err, "write %s", target), xerrors.KindIntegrity)
	}
	if err := f.Close(); err != nil {
		return xerrors.Wrapf(err, "close %s", target)
	}
	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

// Leftovers are the names a previous import leaves in the import directory.
var Leftovers = []string{"content", "custom", ListingName, ManifestName}

// Purge removes leftovers of a previous import from dir, including any
// pickled state files written by older tooling.
func Purge(dir string) error {
	for _, name := range Leftovers {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return xerrors.Wrapf(err, "remove %s", name)
		}
	}
	pkl, err := filepath.Glob(filepath.Join(dir, "*.pkl"))
	if err != nil {
		return xerrors.Wrap(err, "glob state files")
	}
	for _, p := range pkl {
		if err := os.Remove(p); err != nil {
			return xerrors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}
