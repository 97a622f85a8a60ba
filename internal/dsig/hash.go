// ABOUTME: Digest helpers over streams and files
// ABOUTME: MD5 binds CVD payloads, SHA-256 binds CDIFF envelopes

package dsig

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

func newHash(alg types.Algorithm) (hash.Hash, error) {
	switch alg {
	case types.AlgorithmMD5:
		return md5.New(), nil
	case types.AlgorithmSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %v", alg)
	}
}

// SumStream consumes r and returns the raw digest bytes.
func SumStream(alg types.Algorithm, r io.Reader) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("hashing stream: %w", err)
	}
	return h.Sum(nil), nil
}

// HashStream consumes r and returns the lowercase hex digest.
func HashStream(alg types.Algorithm, r io.Reader) (types.Digest, error) {
	sum, err := SumStream(alg, r)
	if err != nil {
		return types.Digest{}, err
	}
	return types.Digest{Algorithm: alg, Value: hex.EncodeToString(sum)}, nil
}

// HashFile returns the lowercase hex digest of the file at path.
func HashFile(alg types.Algorithm, path string) (types.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Digest{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	d, err := HashStream(alg, f)
	if err != nil {
		return types.Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return d, nil
}
