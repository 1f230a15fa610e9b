// Package transfer moves bundles between a connected exporter and a
// cloud-hosted disconnected importer through S3, and publishes the latest
// dataset per channel in an SSM parameter.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/log"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Metrics is implemented by the metrics package. Optional.
type Metrics interface {
	AddTransferBytes(direction string, n int64)
}

type Options struct {
	Logger  log.Logger
	S3      S3API
	SSM     SSMAPI
	Metrics Metrics

	Bucket string
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	// ParamPrefix names the pointer parameters: <ParamPrefix>/<channel>/latest.
	ParamPrefix string
	// FilePrefix is the bundle file prefix, e.g. sat6_export.
	FilePrefix string
}

type Client struct {
	opts   Options
	logger log.Logger
}

func New(opts Options) (*Client, error) {
	if opts.S3 == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("bucket is required")
	}
	if opts.FilePrefix == "" {
		return nil, xerrors.New("file prefix is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.KeyPrefix = strings.Trim(opts.KeyPrefix, "/")
	opts.ParamPrefix = strings.TrimRight(opts.ParamPrefix, "/")
	return &Client{opts: opts, logger: opts.Logger}, nil
}

// Key is the object key of one bundle file.
func (c *Client) Key(d bundle.Dataset, file string) string {
	return path.Join(c.opts.KeyPrefix, d.Channel(), d.String(), file)
}

// PointerParam is the SSM parameter holding a channel's latest dataset.
func (c *Client) PointerParam(channel string) string {
	return c.opts.ParamPrefix + "/" + channel + "/latest"
}

// Upload puts every bundle file in dir, chunks first, and returns the keys.
// The checksum file goes last so a reader never sees it before its chunks.
func (c *Client) Upload(ctx context.Context, dir string, d bundle.Dataset) ([]string, error) {
	names := bundle.Names{Prefix: c.opts.FilePrefix, Dataset: d}
	files, err := names.Files(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, xerrors.Newf("no bundle files for %s in %s", d, dir)
	}
	var sums, sig string
	ordered := make([]string, 0, len(files))
	for _, f := range files {
		switch f {
		case names.Sums():
			sums = f
		case names.Signature():
			sig = f
		default:
			ordered = append(ordered, f)
		}
	}
	if sums == "" {
		return nil, xerrors.Newf("bundle %s has no checksum file", d)
	}
	if sig != "" {
		ordered = append(ordered, sig)
	}
	ordered = append(ordered, sums)

	keys := make([]string, 0, len(ordered))
	for _, f := range ordered {
		key := c.Key(d, f)
		n, err := c.put(ctx, filepath.Join(dir, f), key)
		if err != nil {
			return keys, err
		}
		c.logger.Info(ctx, "uploaded bundle file", "bucket", c.opts.Bucket, "key", key, "bytes", n)
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *Client) put(ctx context.Context, src, key string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, xerrors.Wrapf(err, "open %s", src)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, xerrors.Wrapf(err, "stat %s", src)
	}
	_, err = c.opts.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(c.opts.Bucket),
		Key:               aws.String(key),
		Body:              f,
		ContentLength:     aws.Int64(fi.Size()),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return 0, xerrors.Wrapf(err, "put s3://%s/%s", c.opts.Bucket, key)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.AddTransferBytes("upload", fi.Size())
	}
	return fi.Size(), nil
}

// Publish points the channel's latest parameter at d.
func (c *Client) Publish(ctx context.Context, d bundle.Dataset) error {
	if c.opts.SSM == nil {
		return xerrors.New("ssm client is not configured")
	}
	name := c.PointerParam(d.Channel())
	_, err := c.opts.SSM.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(d.String()),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", name)
	}
	c.logger.Info(ctx, "published latest dataset", "param", name, "dataset", d.String())
	return nil
}

// Latest reads the channel's latest dataset.
func (c *Client) Latest(ctx context.Context, channel string) (bundle.Dataset, error) {
	if c.opts.SSM == nil {
		return "", xerrors.New("ssm client is not configured")
	}
	name := c.PointerParam(channel)
	out, err := c.opts.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	d := bundle.Dataset(strings.TrimSpace(*out.Parameter.Value))
	_, ch, err := d.Parse()
	if err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	if ch != channel {
		return "", xerrors.Newf("SSM parameter %s names dataset %s of channel %s", name, d, ch)
	}
	return d, nil
}

// Download fetches the checksum file, every chunk it lists and the signature
// if one was uploaded. Chunks are hashed while streaming; a mismatch removes
// the partial file and is an integrity error.
func (c *Client) Download(ctx context.Context, d bundle.Dataset, dir string) ([]string, error) {
	names := bundle.Names{Prefix: c.opts.FilePrefix, Dataset: d}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, xerrors.Wrapf(err, "create %s", dir)
	}

	sumsPath := filepath.Join(dir, names.Sums())
	if _, _, err := c.get(ctx, c.Key(d, names.Sums()), sumsPath); err != nil {
		return nil, err
	}
	sums, err := bundle.ReadSums(sumsPath)
	if err != nil {
		return nil, err
	}

	got := []string{names.Sums()}
	for _, s := range sums {
		if _, ok := names.ChunkIndex(s.Name); !ok {
			return got, xerrors.Mark(xerrors.Newf("checksum file lists foreign file %s", s.Name), xerrors.KindIntegrity)
		}
		dst := filepath.Join(dir, s.Name)
		if sum, err := bundle.ComputeFileHash(dst); err == nil && cryptoutil.HashEqual(sum, s.SHA256) {
			c.logger.Debug(ctx, "chunk already present", "file", s.Name)
			got = append(got, s.Name)
			continue
		}
		_, hash, err := c.get(ctx, c.Key(d, s.Name), dst)
		if err != nil {
			return got, err
		}
		if !cryptoutil.HashEqual(hash, s.SHA256) {
			_ = os.Remove(dst)
			return got, xerrors.Mark(
				xerrors.Newf("chunk %s: hash mismatch: expected %s, got %s", s.Name, s.SHA256, hash),
				xerrors.KindIntegrity)
		}
		got = append(got, s.Name)
	}

	_, _, err = c.get(ctx, c.Key(d, names.Signature()), filepath.Join(dir, names.Signature()))
	switch {
	case err == nil:
		got = append(got, names.Signature())
	case isNotFound(err):
	default:
		return got, err
	}
	return got, nil
}

// get streams key into dst through a temp file and returns size and sha256.
func (c *Client) get(ctx context.Context, key, dst string) (int64, string, error) {
	out, err := c.opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, "", xerrors.Wrapf(err, "get s3://%s/%s", c.opts.Bucket, key)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, "", xerrors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", xerrors.Mark(xerrors.Wrapf(err, "download %s", key), xerrors.KindTransport)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", xerrors.Wrapf(err, "rename %s", dst)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.AddTransferBytes("download", n)
	}
	c.logger.Info(ctx, "downloaded bundle file", "key", key, "bytes", n)
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
