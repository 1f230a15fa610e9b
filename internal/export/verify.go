package export

import (
	"context"
	"errors"
	"os/exec"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// PackageVerifier checks package signatures and digests. It returns the
// files that failed; err is reserved for being unable to check at all.
type PackageVerifier interface {
	Verify(ctx context.Context, files []string) (bad []string, err error)
}

// rpmBatch bounds the argument list of one rpm invocation.
const rpmBatch = 256

// RPMVerifier runs `rpm -K` over package files.
type RPMVerifier struct {
	// Path to the rpm binary; "rpm" from PATH when empty.
	Path string
}

func (v RPMVerifier) Verify(ctx context.Context, files []string) ([]string, error) {
	bin := v.Path
	if bin == "" {
		bin = "rpm"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, xerrors.Wrapf(err, "package verifier %s unavailable", bin)
	}

	var bad []string
	for start := 0; start < len(files); start += rpmBatch {
		end := min(start+rpmBatch, len(files))
		batch := files[start:end]
		ok, err := v.check(ctx, bin, batch)
		if err != nil {
			return bad, err
		}
		if ok {
			continue
		}
		// narrow the failing batch down to individual files
		for _, f := range batch {
			ok, err := v.check(ctx, bin, []string{f})
			if err != nil {
				return bad, err
			}
			if !ok {
				bad = append(bad, f)
			}
		}
	}
	return bad, nil
}

func (v RPMVerifier) check(ctx context.Context, bin string, files []string) (bool, error) {
	args := append([]string{"-K", "--quiet"}, files...)
	err := exec.CommandContext(ctx, bin, args...).Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ctx.Err() == nil {
		return false, nil
	}
	return false, xerrors.Wrap(err, "run package verifier")
}
