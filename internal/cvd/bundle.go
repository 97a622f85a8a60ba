// ABOUTME: CVD bundle operations: open, verify, write, unpack
// ABOUTME: Binds the header digest to the payload starting at offset 512

package cvd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/tarball"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// ErrHashMismatch indicates the payload digest differs from the header.
var ErrHashMismatch = errors.New("payload digest does not match header")

// StaleAfter is how old a bundle may be before Advise warns.
const StaleAfter = 7 * 24 * time.Hour

// ReadHeader reads and parses the header of the CVD file at path.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, errShort(err))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Open returns the parsed header and a reader positioned at the payload.
// The caller owns the returned closer.
func Open(path string) (*Header, io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading header of %s: %w", path, errShort(err))
	}
	h, err := ParseHeader(buf)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, f, nil
}

// Verify checks the payload digest against the header and the detached
// signature against the digest. A dsig.ErrVerifierUnavailable result
// means the digest matched but the signature could not be checked;
// callers decide whether that is acceptable.
func Verify(path string, verifier *dsig.Verifier) (*Header, error) {
	h, payload, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	digest, err := dsig.HashStream(types.AlgorithmMD5, payload)
	if err != nil {
		return nil, fmt.Errorf("hashing payload of %s: %w", path, err)
	}
	if digest.Value != h.MD5 {
		return nil, fmt.Errorf("%s: %w: header %s, payload %s", path, ErrHashMismatch, h.MD5, digest.Value)
	}

	if err := verifier.VerifyDigest(digest, h.DSig); err != nil {
		if errors.Is(err, dsig.ErrVerifierUnavailable) {
			return h, err
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// WriteBundle serialises the header exactly once and streams the payload
// after it. The file is written to a sibling temp name and renamed in.
func WriteBundle(path string, h *Header, payload io.Reader) error {
	hdr, err := h.Marshal()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	if _, err := f.Write(hdr); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(f, payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// Unpack extracts the payload archive into destdir.
func Unpack(path, destdir string) error {
	_, payload, err := Open(path)
	if err != nil {
		return err
	}
	defer payload.Close()

	if err := tarball.Unpack(payload, destdir); err != nil {
		return fmt.Errorf("unpacking %s: %w", path, err)
	}
	return nil
}

// Advise logs the advisory warnings for a header: staleness beyond
// StaleAfter and a functionality level above the running engine's.
// Neither condition is an error.
func Advise(logger *slog.Logger, h *Header, engineLevel uint32, now time.Time) {
	if h.CreatedAt > 0 {
		age := now.Sub(time.Unix(h.CreatedAt, 0))
		if age > StaleAfter {
			logger.Warn("database is stale, update immediately",
				slog.Uint64("version", uint64(h.Version)),
				slog.Duration("age", age))
		}
	}
	if h.FuncLevel > engineLevel {
		logger.Warn("database requires a newer engine",
			slog.Uint64("required_level", uint64(h.FuncLevel)),
			slog.Uint64("engine_level", uint64(engineLevel)))
	}
}

func errShort(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", dsig.ErrShortRead, err)
	}
	return err
}
