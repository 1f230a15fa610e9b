package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// TimestampLayout sorts lexicographically in chronological order.
const TimestampLayout = "20060102-1504"

// Dataset names one export run: "<timestamp>_<channel>".
type Dataset string

// NewDataset names the dataset produced by a run started at t.
func NewDataset(t time.Time, channel string) Dataset {
	return Dataset(t.Format(TimestampLayout) + "_" + channel)
}

// Parse splits a dataset into its timestamp and channel.
func (d Dataset) Parse() (time.Time, string, error) {
	ts, ch, ok := strings.Cut(string(d), "_")
	if !ok || ch == "" {
		return time.Time{}, "", xerrors.Newf("invalid dataset name %q", d)
	}
	t, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, "", xerrors.Wrapf(err, "invalid dataset timestamp in %q", d)
	}
	return t, ch, nil
}

// Channel returns the channel part, or "" if d is malformed.
func (d Dataset) Channel() string {
	_, ch, err := d.Parse()
	if err != nil {
		return ""
	}
	return ch
}

func (d Dataset) String() string { return string(d) }

// Names derives file names for a dataset.
type Names struct {
	Prefix  string
	Dataset Dataset
}

func (n Names) base() string { return n.Prefix + "_" + string(n.Dataset) }

// Chunk is the file name of chunk i, numbered like `split -d`.
func (n Names) Chunk(i int) string { return fmt.Sprintf("%s_%02d", n.base(), i) }

// Sums is the checksum file name.
func (n Names) Sums() string { return n.base() + ".sha256" }

// Signature is the detached signature over the checksum file.
func (n Names) Signature() string { return n.Sums() + ".sig" }

// ChunkIndex parses the chunk number from a file name produced by Chunk.
func (n Names) ChunkIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), n.base()+"_")
	if !ok || rest == "" {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Files returns every file of the bundle present in dir: chunks in index
// order, then the checksum and signature files if present.
func (n Names) Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, n.base()+"_*"))
	if err != nil {
		return nil, xerrors.Wrap(err, "glob bundle chunks")
	}
	type idx struct {
		i    int
		name string
	}
	var chunks []idx
	for _, m := range matches {
		if i, ok := n.ChunkIndex(m); ok {
			chunks = append(chunks, idx{i, filepath.Base(m)})
		}
	}
	sort.Slice(chunks, func(a, b int) bool { return chunks[a].i < chunks[b].i })

	out := make([]string, 0, len(chunks)+2)
	for _, c := range chunks {
		out = append(out, c.name)
	}
	for _, extra := range []string{n.Sums(), n.Signature()} {
		if _, err := os.Stat(filepath.Join(dir, extra)); err == nil {
			out = append(out, extra)
		}
	}
	return out, nil
}

// RemoveFiles deletes every file of the bundle in dir.
func RemoveFiles(dir string, n Names) error {
	files, err := n.Files(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(filepath.Join(dir, f)); err != nil && !os.IsNotExist(err) {
			return xerrors.Wrapf(err, "remove %s", f)
		}
	}
	return nil
}

// FindDatasets lists datasets with a checksum file in dir, oldest first.
func FindDatasets(dir, prefix string) ([]Dataset, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*.sha256"))
	if err != nil {
		return nil, xerrors.Wrap(err, "glob checksum files")
	}
	out := make([]Dataset, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix+"_"), ".sha256")
		d := Dataset(name)
		if _, _, err := d.Parse(); err == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
