// ABOUTME: Database manifest (.info) writer, reader, and directory check
// ABOUTME: First line is the header prefix, then filename:hash per file

package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

var (
	// ErrBadManifest indicates a malformed .info file.
	ErrBadManifest = errors.New("malformed manifest")

	// ErrChecksumMismatch indicates a listed file whose current digest
	// differs from the manifest.
	ErrChecksumMismatch = errors.New("manifest checksum mismatch")
)

// Entry is one filename/digest pair.
type Entry struct {
	Name string
	MD5  string
}

// Manifest is the parsed form of a .info file.
type Manifest struct {
	// HeaderLine is the first line: the CVD header prefix through the
	// functionality level.
	HeaderLine string

	Entries []Entry
}

// Version extracts the version field from the header line.
func (m *Manifest) Version() (uint32, error) {
	fields := strings.Split(m.HeaderLine, ":")
	if len(fields) < 5 || fields[0] != "ClamAV-VDB" {
		return 0, fmt.Errorf("%w: header line %q", ErrBadManifest, m.HeaderLine)
	}
	v, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", ErrBadManifest, fields[2])
	}
	return uint32(v), nil
}

// Sigs extracts the signature count field from the header line.
func (m *Manifest) Sigs() (uint32, error) {
	fields := strings.Split(m.HeaderLine, ":")
	if len(fields) < 5 || fields[0] != "ClamAV-VDB" {
		return 0, fmt.Errorf("%w: header line %q", ErrBadManifest, m.HeaderLine)
	}
	v, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: signature count %q", ErrBadManifest, fields[3])
	}
	return uint32(v), nil
}

// Write produces dir/<stem>.info: headerLine first, then one
// name:md5 line for every present database file of the stem. An
// existing manifest is replaced.
func Write(dir, stem, headerLine string) error {
	path := filepath.Join(dir, types.InfoName(stem))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n", headerLine)

	for _, ext := range types.DatabaseExtensions {
		if ext == "info" {
			continue
		}
		name := stem + "." + ext
		fpath := filepath.Join(dir, name)
		if _, err := os.Stat(fpath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			f.Close()
			return fmt.Errorf("stat %s: %w", fpath, err)
		}
		digest, err := dsig.HashFile(types.AlgorithmMD5, fpath)
		if err != nil {
			f.Close()
			return err
		}
		fmt.Fprintf(w, "%s:%s\n", name, digest.Value)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

// Read parses a .info file.
func Read(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, fmt.Errorf("%w: %s is empty", ErrBadManifest, path)
	}
	m := &Manifest{HeaderLine: sc.Text()}
	if !strings.HasPrefix(m.HeaderLine, "ClamAV-VDB") {
		return nil, fmt.Errorf("%w: %s does not open with a header line", ErrBadManifest, path)
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 || i == len(line)-1 {
			return nil, fmt.Errorf("%w: entry %q in %s", ErrBadManifest, line, path)
		}
		name, sum := line[:i], line[i+1:]
		if !types.AllowedName(name) {
			return nil, fmt.Errorf("%w: forbidden entry name %q in %s", ErrBadManifest, name, path)
		}
		digest, err := types.ParseDigest(sum)
		if err != nil || digest.Algorithm != types.AlgorithmMD5 {
			return nil, fmt.Errorf("%w: digest for %s in %s", ErrBadManifest, name, path)
		}
		m.Entries = append(m.Entries, Entry{Name: name, MD5: digest.Value})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return m, nil
}

// VerifyDir re-hashes every file the manifest dir/<stem>.info lists and
// compares. The first mismatch or missing file fails the whole check.
func VerifyDir(dir, stem string) error {
	m, err := Read(filepath.Join(dir, types.InfoName(stem)))
	if err != nil {
		return err
	}

	for _, e := range m.Entries {
		digest, err := dsig.HashFile(types.AlgorithmMD5, filepath.Join(dir, e.Name))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
		if digest.Value != e.MD5 {
			return fmt.Errorf("%w: %s is %s, manifest says %s", ErrChecksumMismatch, e.Name, digest.Value, e.MD5)
		}
	}
	return nil
}
