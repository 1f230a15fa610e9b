package bundle

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Sum is one line of a checksum file.
type Sum struct {
	Name   string
	SHA256 string
}

// WriteSums writes chunk digests in sha256sum format so the bundle can also be
// checked by hand on the receiving side.
func WriteSums(path string, chunks []Chunk) error {
	var buf bytes.Buffer
	for _, c := range chunks {
		fmt.Fprintf(&buf, "%s  %s\n", c.SHA256, c.Name)
	}
	return writeFileAtomic(path, buf.Bytes(), 0o644)
}

// ParseSums reads sha256sum output. Both text ("hash  name") and binary
// ("hash *name") markers are accepted.
func ParseSums(r io.Reader) ([]Sum, error) {
	var out []Sum
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		digest, rest, ok := strings.Cut(text, " ")
		if !ok || len(rest) < 2 || (rest[0] != ' ' && rest[0] != '*') {
			return nil, xerrors.Newf("checksum line %d: malformed", line)
		}
		digest = strings.ToLower(digest)
		if len(digest) != sha256.Size*2 {
			return nil, xerrors.Newf("checksum line %d: digest is not sha256", line)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, xerrors.Newf("checksum line %d: digest is not hex", line)
		}
		out = append(out, Sum{Name: filepath.Base(rest[1:]), SHA256: digest})
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Wrap(err, "read checksum file")
	}
	return out, nil
}

// ReadSums parses the checksum file at path.
func ReadSums(path string) ([]Sum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return ParseSums(f)
}

// ComputeFileHash returns the hex SHA-256 of the file at path.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", xerrors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks every chunk listed in the checksum file against its digest
// and returns the chunk paths in index order. Any mismatch, missing chunk, or
// chunk on disk that the checksum file does not list is an integrity error.
func Verify(dir string, names Names) ([]string, error) {
	sums, err := ReadSums(filepath.Join(dir, names.Sums()))
	if err != nil {
		return nil, xerrors.Mark(err, xerrors.KindIntegrity)
	}
	if len(sums) == 0 {
		return nil, xerrors.Mark(xerrors.Newf("checksum file %s lists no chunks", names.Sums()), xerrors.KindIntegrity)
	}

	type indexed struct {
		idx  int
		path string
	}
	listed := make(map[string]bool, len(sums))
	chunks := make([]indexed, 0, len(sums))
	for _, s := range sums {
		idx, ok := names.ChunkIndex(s.Name)
		if !ok {
			return nil, xerrors.Mark(xerrors.Newf("checksum file lists foreign file %s", s.Name), xerrors.KindIntegrity)
		}
		p := filepath.Join(dir, s.Name)
		got, err := ComputeFileHash(p)
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrapf(err, "chunk %s", s.Name), xerrors.KindIntegrity)
		}
		if !cryptoutil.HashEqual(got, s.SHA256) {
			return nil, xerrors.Mark(
				xerrors.Newf("chunk %s: hash mismatch: expected %s, got %s", s.Name, s.SHA256, got),
				xerrors.KindIntegrity)
		}
		listed[s.Name] = true
		chunks = append(chunks, indexed{idx: idx, path: p})
	}

	present, err := names.Files(dir)
	if err != nil {
		return nil, err
	}
	for _, p := range present {
		name := filepath.Base(p)
		if _, ok := names.ChunkIndex(name); ok && !listed[name] {
			return nil, xerrors.Mark(xerrors.Newf("chunk %s is not in the checksum file", name), xerrors.KindIntegrity)
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].idx < chunks[j].idx })
	for i, c := range chunks {
		if c.idx != i {
			return nil, xerrors.Mark(xerrors.Newf("chunk %s missing", names.Chunk(i)), xerrors.KindIntegrity)
		}
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.path
	}
	return out, nil
}
