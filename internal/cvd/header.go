// ABOUTME: CVD 512-byte header parsing and emission
// ABOUTME: Colon-delimited ASCII record, space-padded, legacy 7-field tolerant

package cvd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// HeaderSize is the fixed on-disk header length.
const HeaderSize = 512

// Magic opens every header.
const Magic = "ClamAV-VDB"

// BuildTimeLayout is the locale-independent build-time format,
// e.g. "21 Jul 2026 14-05 +0000".
const BuildTimeLayout = "02 Jan 2006 15-04 -0700"

// ErrBadHeader indicates the 512-byte record is not a valid CVD header.
var ErrBadHeader = errors.New("malformed CVD header")

// Header is the parsed form of the 512-byte record preceding the payload.
type Header struct {
	// BuildTime is the human-readable build time string.
	BuildTime string

	// Version is the monotonically increasing database version.
	Version uint32

	// Sigs is the number of signatures in the bundle.
	Sigs uint32

	// FuncLevel is the engine functionality level the bundle requires.
	FuncLevel uint32

	// MD5 is the lowercase hex digest of the payload at offset 512.
	MD5 string

	// DSig is the ASCII detached signature over the payload digest.
	DSig string

	// Builder identifies who produced the bundle.
	Builder string

	// CreatedAt is the build time as seconds since epoch. Zero for the
	// legacy header form that omits the field.
	CreatedAt int64
}

// ParseHeader parses a header record. The input must be at least
// HeaderSize bytes; only the first HeaderSize are considered.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadHeader, len(data), HeaderSize)
	}

	text := string(data[:HeaderSize])
	if i := strings.IndexAny(text, "\n\r"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimRight(text, " ")

	fields := strings.Split(text, ":")
	if fields[0] != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadHeader, fields[0])
	}
	// Magic, time, version, sigs, level, md5, dsig, builder, plus the
	// optional creation-time field.
	if len(fields) < 8 || len(fields) > 9 {
		return nil, fmt.Errorf("%w: %d fields", ErrBadHeader, len(fields))
	}

	h := &Header{BuildTime: fields[1]}

	version, err := parseUint(fields[2], "version")
	if err != nil {
		return nil, err
	}
	h.Version = version

	sigs, err := parseUint(fields[3], "signature count")
	if err != nil {
		return nil, err
	}
	h.Sigs = sigs

	level, err := parseUint(fields[4], "functionality level")
	if err != nil {
		return nil, err
	}
	h.FuncLevel = level

	digest, err := types.ParseDigest(fields[5])
	if err != nil || digest.Algorithm != types.AlgorithmMD5 {
		return nil, fmt.Errorf("%w: payload digest %q", ErrBadHeader, fields[5])
	}
	h.MD5 = digest.Value

	h.DSig = fields[6]
	if h.DSig == "" {
		return nil, fmt.Errorf("%w: empty digital signature", ErrBadHeader)
	}

	h.Builder = fields[7]
	if h.Builder == "" {
		return nil, fmt.Errorf("%w: empty builder", ErrBadHeader)
	}

	if len(fields) == 9 {
		created, err := strconv.ParseInt(fields[8], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: creation time %q", ErrBadHeader, fields[8])
		}
		h.CreatedAt = created
	}

	return h, nil
}

func parseUint(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrBadHeader, what, s)
	}
	return uint32(v), nil
}

// Marshal emits the exact 512-byte on-disk record, space-padded.
func (h *Header) Marshal() ([]byte, error) {
	if strings.Contains(h.Builder, ":") {
		return nil, fmt.Errorf("%w: builder %q contains a colon", ErrBadHeader, h.Builder)
	}

	text := fmt.Sprintf("%s:%s:%d:%d:%d:%s:%s:%s:%d",
		Magic, h.BuildTime, h.Version, h.Sigs, h.FuncLevel, h.MD5, h.DSig, h.Builder, h.CreatedAt)
	if strings.ContainsAny(text, "\n\r") {
		return nil, fmt.Errorf("%w: embedded newline", ErrBadHeader)
	}
	if len(text) > HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrBadHeader, len(text), HeaderSize)
	}

	out := make([]byte, HeaderSize)
	copy(out, text)
	for i := len(text); i < HeaderSize; i++ {
		out[i] = ' '
	}
	return out, nil
}

// Prefix returns the header text through the functionality level,
// the form the manifest's first line carries.
func (h *Header) Prefix() string {
	return fmt.Sprintf("%s:%s:%d:%d:%d:", Magic, h.BuildTime, h.Version, h.Sigs, h.FuncLevel)
}

// FormatBuildTime renders t in the fixed header layout.
func FormatBuildTime(t time.Time) string {
	return t.Format(BuildTimeLayout)
}
