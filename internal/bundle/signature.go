package bundle

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// Signer signs the checksum file. *cryptoutil.KMSSigner satisfies it.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// SignatureVerifier checks a signature made by a Signer.
type SignatureVerifier interface {
	Verify(ctx context.Context, message, signature []byte) error
}

// Sign writes the detached, base64-encoded signature over the checksum file
// and returns its path.
func Sign(ctx context.Context, s Signer, dir string, names Names) (string, error) {
	sums, err := os.ReadFile(filepath.Join(dir, names.Sums()))
	if err != nil {
		return "", xerrors.Wrap(err, "read checksum file")
	}
	sig, err := s.Sign(ctx, sums)
	if err != nil {
		return "", xerrors.Wrapf(err, "sign %s", names.Sums())
	}
	path := filepath.Join(dir, names.Signature())
	enc := base64.StdEncoding.EncodeToString(sig) + "\n"
	if err := writeFileAtomic(path, []byte(enc), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// VerifySignature checks the signature file against the checksum file. A
// missing or invalid signature is an integrity failure.
func VerifySignature(ctx context.Context, v SignatureVerifier, dir string, names Names) error {
	sums, err := os.ReadFile(filepath.Join(dir, names.Sums()))
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "read checksum file"), xerrors.KindIntegrity)
	}
	raw, err := os.ReadFile(filepath.Join(dir, names.Signature()))
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "read signature"), xerrors.KindIntegrity)
	}
	sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return xerrors.Mark(xerrors.Wrap(err, "decode signature"), xerrors.KindIntegrity)
	}
	if err := v.Verify(ctx, sums, sig); err != nil {
		return xerrors.Mark(xerrors.Wrapf(err, "signature over %s", names.Sums()), xerrors.KindIntegrity)
	}
	return nil
}
