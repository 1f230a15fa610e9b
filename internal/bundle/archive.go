package bundle

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Compression of the tar stream before splitting.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// DefaultChunkSize fits a single-layer DVD.
const DefaultChunkSize int64 = 4200 << 20

// Bundle is the result of Archive.
type Bundle struct {
	Names    Names
	Dir      string
	Chunks   []Chunk
	Bytes    int64
	Files    int
	SumsPath string
}

// ArchiveOptions controls Archive.
type ArchiveOptions struct {
	// Source is the tree to archive; entries are stored relative to it.
	Source string
	// OutDir receives the chunk and checksum files.
	OutDir      string
	Names       Names
	ChunkSize   int64
	Compression Compression
}

// Archive tars Source into chunk files and writes the checksum file.
// Symlinks are stored as the files they point to; the receiving side has no
// access to the link targets. Files of an earlier bundle with the same names
// are removed first, and nothing of the bundle is left behind on error.
func Archive(ctx context.Context, opts ArchiveOptions) (b Bundle, err error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(opts.OutDir, 0o750); err != nil {
		return Bundle{}, xerrors.Wrapf(err, "create %s", opts.OutDir)
	}
	if err := RemoveFiles(opts.OutDir, opts.Names); err != nil {
		return Bundle{}, err
	}

	var sw *splitWriter
	defer func() {
		if err == nil {
			return
		}
		if sw != nil {
			sw.abort()
		}
		_ = RemoveFiles(opts.OutDir, opts.Names)
	}()

	sw, err = newSplitWriter(opts.OutDir, opts.Names, opts.ChunkSize)
	if err != nil {
		return Bundle{}, err
	}

	var (
		out io.Writer = sw
		zw  *zstd.Encoder
	)
	switch opts.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		zw, err = zstd.NewWriter(sw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return Bundle{}, xerrors.Wrap(err, "create zstd encoder")
		}
		out = zw
	default:
		return Bundle{}, xerrors.Newf("unknown compression %q", opts.Compression)
	}

	tw := tar.NewWriter(out)
	files, err := writeTree(ctx, tw, opts.Source)
	if err != nil {
		return Bundle{}, err
	}
	if err := tw.Close(); err != nil {
		return Bundle{}, xerrors.Wrap(err, "close tar stream")
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return Bundle{}, xerrors.Wrap(err, "close zstd stream")
		}
	}
	chunks, err := sw.Close()
	if err != nil {
		return Bundle{}, err
	}

	sumsPath := filepath.Join(opts.OutDir, opts.Names.Sums())
	if err := WriteSums(sumsPath, chunks); err != nil {
		return Bundle{}, err
	}

	b = Bundle{Names: opts.Names, Dir: opts.OutDir, Chunks: chunks, Files: files, SumsPath: sumsPath}
	for _, c := range chunks {
		b.Bytes += c.Size
	}
	return b, nil
}

func writeTree(ctx context.Context, tw *tar.Writer, root string) (int, error) {
	files := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// follow symlinks
		info, err := os.Stat(p)
		if err != nil {
			return xerrors.Wrapf(err, "stat %s", p)
		}

		switch {
		case info.IsDir():
			if d.Type()&fs.ModeSymlink != 0 {
				return xerrors.Newf("symlinked directory not supported: %s", rel)
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     filepath.ToSlash(rel) + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			return xerrors.Wrapf(tw.WriteHeader(hdr), "tar header %s", rel)
		case info.Mode().IsRegular():
			files++
			return addFile(tw, p, filepath.ToSlash(rel), info)
		default:
			return xerrors.Newf("unsupported file type in export tree: %s (%s)", rel, info.Mode().Type())
		}
	})
	if err != nil {
		return files, xerrors.Wrap(err, "archive export tree")
	}
	return files, nil
}

func addFile(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return xerrors.Wrapf(err, "tar header %s", name)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return xerrors.Wrapf(err, "tar content %s", name)
	}
	return nil
}
