package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// KMSAPI is the subset of the KMS client the signer uses.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs on the connected side with an asymmetric KMS key and
// verifies on the disconnected side against the cached public key, so the
// importing host never needs KMS once the key is known.
type KMSSigner struct {
	client KMSAPI
	keyID  string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSSigner(client KMSAPI, keyID string) *KMSSigner {
	return &KMSSigner{client: client, keyID: keyID}
}

// NewStaticVerifier verifies against a known public key without a KMS client,
// e.g. a PEM distributed to the disconnected host out of band.
func NewStaticVerifier(pubDER []byte) (*KMSSigner, error) {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse public key DER")
	}
	return &KMSSigner{pubKey: pub}, nil
}

// Sign digests message locally and asks KMS to sign the digest. The key
// type selects the algorithm.
func (s *KMSSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	alg, digest, err := signingAlgorithm(pub, message)
	if err != nil {
		return nil, err
	}
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms sign")
	}
	if len(out.Signature) == 0 {
		return nil, xerrors.New("kms returned an empty signature")
	}
	return out.Signature, nil
}

// PublicKey returns the signing key's public half, fetched once.
func (s *KMSSigner) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	s.mu.RLock()
	if s.pubKey != nil {
		defer s.mu.RUnlock()
		return s.pubKey, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != nil {
		return s.pubKey, nil
	}
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", s.keyID, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	s.pubKey = pub
	return pub, nil
}

// Verify checks signature over message locally.
func (s *KMSSigner) Verify(ctx context.Context, message, signature []byte) error {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		_, digest, err := ecdsaDigest(key, message)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS signature verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func signingAlgorithm(pub crypto.PublicKey, message []byte) (kmstypes.SigningAlgorithmSpec, []byte, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		h, digest, err := ecdsaDigest(key, message)
		if err != nil {
			return "", nil, err
		}
		if h == crypto.SHA384 {
			return kmstypes.SigningAlgorithmSpecEcdsaSha384, digest, nil
		}
		return kmstypes.SigningAlgorithmSpecEcdsaSha256, digest, nil
	case *rsa.PublicKey:
		d := sha256.Sum256(message)
		return kmstypes.SigningAlgorithmSpecRsassaPssSha256, d[:], nil
	default:
		return "", nil, xerrors.Newf("unsupported public key type: %T", pub)
	}
}

// ecdsaDigest picks the hash matching the curve.
func ecdsaDigest(key *ecdsa.PublicKey, message []byte) (crypto.Hash, []byte, error) {
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return crypto.SHA256, d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return crypto.SHA384, d[:], nil
	default:
		return 0, nil, xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
	}
}

// LoadStaticVerifier reads a public key from a PEM ("PUBLIC KEY" block) or
// raw DER file.
func LoadStaticVerifier(path string) (*KMSSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "read verify key")
	}
	if blk, _ := pem.Decode(raw); blk != nil {
		if blk.Type != "PUBLIC KEY" {
			return nil, xerrors.Newf("%s: PEM block is %q, want PUBLIC KEY", path, blk.Type)
		}
		raw = blk.Bytes
	}
	return NewStaticVerifier(raw)
}
