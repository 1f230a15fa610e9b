// Package state persists per-channel synchronization checkpoints and the
// export and import dataset histories in a local SQLite file.
//
// Every mutation runs in a single transaction so an interrupted run leaves
// either the old or the new state, never a mix.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Direction selects which history list an entry belongs to.
type Direction string

const (
	Export Direction = "export"
	Import Direction = "import"
)

// channelWide is the resource key of a checkpoint that covers the whole channel.
const channelWide = "*"

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	channel   TEXT NOT NULL,
	resource  TEXT NOT NULL,
	synced_at TEXT NOT NULL,
	PRIMARY KEY (channel, resource)
);
CREATE TABLE IF NOT EXISTS history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel     TEXT NOT NULL,
	direction   TEXT NOT NULL,
	dataset     TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	UNIQUE (channel, direction, dataset)
);
CREATE INDEX IF NOT EXISTS history_channel ON history (channel, direction, id);
`

// Store is the local state database.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates the database and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, xerrors.New("state db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, xerrors.Wrap(err, "create state directory")
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, xerrors.Wrapf(err, "open state db %s", path)
	}
	// one writer; the process is single-threaded anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrapf(err, "ping state db %s", path)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return xerrors.Wrap(err, "read schema version")
	}
	if v > schemaVersion {
		return xerrors.Newf("state db %s has schema version %d, newer than supported %d", s.path, v, schemaVersion)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(err, "create schema")
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return xerrors.Wrap(err, "set schema version")
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Ping checks the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(err, "ping state database")
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ReadCheckpoint returns the channel-wide checkpoint. ok is false when the
// channel has never completed a run, which callers treat as "full sync".
func (s *Store) ReadCheckpoint(ctx context.Context, channel string) (at time.Time, ok bool, err error) {
	return s.readCheckpoint(ctx, channel, channelWide)
}

// ReadResourceCheckpoint returns the checkpoint of one resource in a channel.
func (s *Store) ReadResourceCheckpoint(ctx context.Context, channel, resource string) (time.Time, bool, error) {
	return s.readCheckpoint(ctx, channel, resource)
}

func (s *Store) readCheckpoint(ctx context.Context, channel, resource string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT synced_at FROM checkpoints WHERE channel = ? AND resource = ?`,
		channel, resource).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, xerrors.Wrapf(err, "read checkpoint %s/%s", channel, resource)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, xerrors.Wrapf(err, "parse checkpoint %s/%s", channel, resource)
	}
	return at, true, nil
}

// ReadCheckpoints returns every per-resource checkpoint of a channel.
func (s *Store) ReadCheckpoints(ctx context.Context, channel string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, synced_at FROM checkpoints WHERE channel = ? AND resource != ?`,
		channel, channelWide)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read checkpoints %s", channel)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var res, raw string
		if err := rows.Scan(&res, &raw); err != nil {
			return nil, xerrors.Wrap(err, "scan checkpoint")
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse checkpoint %s/%s", channel, res)
		}
		out[res] = at
	}
	return out, xerrors.Wrap(rows.Err(), "iterate checkpoints")
}

// WriteCheckpoint sets the channel-wide checkpoint.
func (s *Store) WriteCheckpoint(ctx context.Context, channel string, at time.Time) error {
	return s.Commit(ctx, Commit{Channel: channel, ChannelCheckpoint: at})
}

// AppendHistory records a dataset. Recording a dataset already in the list
// keeps its original position.
func (s *Store) AppendHistory(ctx context.Context, channel string, dir Direction, dataset string) error {
	return s.Commit(ctx, Commit{Channel: channel, Direction: dir, Dataset: dataset})
}

// ReadHistory returns datasets in the order they were first recorded.
func (s *Store) ReadHistory(ctx context.Context, channel string, dir Direction) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset FROM history WHERE channel = ? AND direction = ? ORDER BY id`,
		channel, string(dir))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s history %s", dir, channel)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, xerrors.Wrap(err, "scan history")
		}
		out = append(out, d)
	}
	return out, xerrors.Wrap(rows.Err(), "iterate history")
}

// HasDataset reports whether dataset is in the channel's history.
func (s *Store) HasDataset(ctx context.Context, channel string, dir Direction, dataset string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history WHERE channel = ? AND direction = ? AND dataset = ?`,
		channel, string(dir), dataset).Scan(&n)
	if err != nil {
		return false, xerrors.Wrapf(err, "look up dataset %s", dataset)
	}
	return n > 0, nil
}

// Commit is everything a finished run records, written atomically.
type Commit struct {
	Channel string

	// ChannelCheckpoint, if non-zero, replaces the channel-wide checkpoint.
	ChannelCheckpoint time.Time
	// Resources maps resource key to its new checkpoint.
	Resources map[string]time.Time

	// Dataset, if set, is appended to the Direction history.
	Direction Direction
	Dataset   string
}

// Commit applies c in one transaction.
func (s *Store) Commit(ctx context.Context, c Commit) (err error) {
	if c.Channel == "" {
		return xerrors.New("commit requires a channel")
	}
	if c.Dataset != "" && c.Direction != Export && c.Direction != Import {
		return xerrors.Newf("invalid history direction %q", c.Direction)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin state transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `INSERT INTO checkpoints (channel, resource, synced_at) VALUES (?, ?, ?)
		ON CONFLICT (channel, resource) DO UPDATE SET synced_at = excluded.synced_at`

	if !c.ChannelCheckpoint.IsZero() {
		if _, err = tx.ExecContext(ctx, upsert, c.Channel, channelWide, formatTime(c.ChannelCheckpoint)); err != nil {
			return xerrors.Wrapf(err, "write checkpoint %s", c.Channel)
		}
	}
	for res, at := range c.Resources {
		if res == "" || res == channelWide {
			return xerrors.Newf("invalid resource key %q", res)
		}
		if _, err = tx.ExecContext(ctx, upsert, c.Channel, res, formatTime(at)); err != nil {
			return xerrors.Wrapf(err, "write checkpoint %s/%s", c.Channel, res)
		}
	}
	if c.Dataset != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO history (channel, direction, dataset, recorded_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (channel, direction, dataset) DO UPDATE SET recorded_at = excluded.recorded_at`,
			c.Channel, string(c.Direction), c.Dataset, formatTime(s.now()))
		if err != nil {
			return xerrors.Wrapf(err, "append %s history %s", c.Direction, c.Dataset)
		}
	}

	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(err, "commit state transaction")
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
