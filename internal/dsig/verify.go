// ABOUTME: Detached signature verification over bundle digests
// ABOUTME: PKCS#1 v1.5 for MD5-bound bundles, RSA-PSS for SHA-256 envelopes

package dsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

var (
	// ErrShortRead indicates a stream or header ended before the expected
	// number of bytes.
	ErrShortRead = errors.New("short read")

	// ErrBadSignature indicates the detached signature does not validate
	// over the given digest.
	ErrBadSignature = errors.New("bad digital signature")

	// ErrVerifierUnavailable indicates no public key is configured.
	// Callers may accept this with a warning but must not report the
	// bundle as verified.
	ErrVerifierUnavailable = errors.New("signature verifier unavailable")
)

// Verifier checks detached signatures against a configured RSA public key.
// A nil Verifier is valid and reports ErrVerifierUnavailable for every
// check, mirroring a build without verification support.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier parses a PEM-encoded RSA public key.
func NewVerifier(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key material")
	}

	var key *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 public key: %w", err)
		}
		key = k
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKIX public key: %w", err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", k)
		}
		key = rk
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}

	return &Verifier{key: key}, nil
}

// LoadVerifier reads a PEM public key from path. An empty path yields a
// nil verifier, which soft-fails every check.
func LoadVerifier(path string) (*Verifier, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key %s: %w", path, err)
	}
	return NewVerifier(data)
}

// VerifyDigest checks the ASCII detached signature sig over digest d.
// The digest algorithm selects the scheme: MD5 digests use PKCS#1 v1.5
// (full bundle headers), SHA-256 digests use RSA-PSS (patch envelopes).
func (v *Verifier) VerifyDigest(d types.Digest, sig string) error {
	if v == nil || v.key == nil {
		return ErrVerifierUnavailable
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: decoding signature: %v", ErrBadSignature, err)
	}

	sum, err := hex.DecodeString(d.Value)
	if err != nil {
		return fmt.Errorf("decoding digest: %w", err)
	}

	switch d.Algorithm {
	case types.AlgorithmMD5:
		if err := rsa.VerifyPKCS1v15(v.key, crypto.MD5, sum, raw); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	case types.AlgorithmSHA256:
		if err := rsa.VerifyPSS(v.key, crypto.SHA256, sum, raw, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	default:
		return fmt.Errorf("unsupported digest algorithm %v", d.Algorithm)
	}

	return nil
}
