package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Chunk is one written chunk file.
type Chunk struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// splitWriter spreads a stream over numbered chunk files of at most limit
// bytes, hashing each chunk as it is written. No empty trailing chunk is
// created.
type splitWriter struct {
	dir   string
	names Names
	limit int64

	cur     *os.File
	curHash hash.Hash
	curSize int64
	chunks  []Chunk
	closed  bool
}

func newSplitWriter(dir string, names Names, limit int64) (*splitWriter, error) {
	if limit <= 0 {
		return nil, xerrors.Newf("invalid chunk size %d", limit)
	}
	return &splitWriter{dir: dir, names: names, limit: limit}, nil
}

func (w *splitWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, xerrors.New("write to closed split writer")
	}
	written := 0
	for len(p) > 0 {
		if w.cur == nil {
			if err := w.open(); err != nil {
				return written, err
			}
		}
		room := w.limit - w.curSize
		n := int64(len(p))
		if n > room {
			n = room
		}
		m, err := w.cur.Write(p[:n])
		w.curHash.Write(p[:m])
		w.curSize += int64(m)
		written += m
		if err != nil {
			return written, xerrors.Wrapf(err, "write chunk %s", w.cur.Name())
		}
		p = p[m:]
		if w.curSize == w.limit {
			if err := w.finish(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (w *splitWriter) open() error {
	name := w.names.Chunk(len(w.chunks))
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return xerrors.Wrapf(err, "create chunk %s", name)
	}
	w.cur, w.curHash, w.curSize = f, sha256.New(), 0
	return nil
}

func (w *splitWriter) finish() error {
	f := w.cur
	w.cur = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return xerrors.Wrapf(err, "sync chunk %s", f.Name())
	}
	if err := f.Close(); err != nil {
		return xerrors.Wrapf(err, "close chunk %s", f.Name())
	}
	w.chunks = append(w.chunks, Chunk{
		Name:   filepath.Base(f.Name()),
		Size:   w.curSize,
		SHA256: hex.EncodeToString(w.curHash.Sum(nil)),
	})
	return nil
}

// abort drops the open chunk without recording it.
func (w *splitWriter) abort() {
	w.closed = true
	if w.cur != nil {
		_ = w.cur.Close()
		w.cur = nil
	}
}

// Close finishes the open chunk and returns every chunk written.
func (w *splitWriter) Close() ([]Chunk, error) {
	if w.closed {
		return w.chunks, nil
	}
	w.closed = true
	if w.cur != nil {
		if err := w.finish(); err != nil {
			return nil, err
		}
	}
	return w.chunks, nil
}
