// ABOUTME: Flat gzip-tar codec for bundle payloads
// ABOUTME: Member names are slash-free and only regular files are allowed

package tarball

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrForbiddenMemberName indicates a member name containing a path
	// separator. Bundles are flat by construction; rejecting separators
	// here refuses path traversal without any filtering step.
	ErrForbiddenMemberName = errors.New("path separators are not allowed in bundle members")

	// ErrUnsupportedMemberType indicates a non-regular tar entry.
	ErrUnsupportedMemberType = errors.New("only regular files are allowed in bundles")

	// ErrIncompleteBlock indicates the archive ended inside a 512-byte block.
	ErrIncompleteBlock = errors.New("incomplete archive block")

	// ErrBadOctal indicates a malformed numeric field in a tar header.
	ErrBadOctal = errors.New("invalid numeric field in archive header")
)

// Member is a single named file inside an archive.
type Member struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Pack writes the members as a gzip-compressed USTAR stream. Member
// names must be flat; numeric header fields are octal ASCII per USTAR.
func Pack(w io.Writer, members []Member) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, m := range members {
		if badMemberName(m.Name) {
			return fmt.Errorf("%w: %q", ErrForbiddenMemberName, m.Name)
		}

		mod := m.ModTime
		if mod.IsZero() {
			mod = time.Unix(0, 0)
		}

		hdr := &tar.Header{
			Name:     m.Name,
			Mode:     0o644,
			Size:     int64(len(m.Data)),
			ModTime:  mod,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header for %s: %w", m.Name, err)
		}
		if _, err := tw.Write(m.Data); err != nil {
			return fmt.Errorf("writing data for %s: %w", m.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalising archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalising compression: %w", err)
	}
	return nil
}

// PackDir packs the named files from dir in the given order. Files that
// do not exist are skipped; other stat failures are reported.
func PackDir(w io.Writer, dir string, names []string) error {
	var members []Member
	for _, name := range names {
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("%w: %s", ErrUnsupportedMemberType, name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		members = append(members, Member{Name: name, Data: data, ModTime: fi.ModTime()})
	}
	return Pack(w, members)
}

// Unpack extracts a gzip-tar stream into destdir. Any member with a path
// separator in its name, or with a non-regular type, aborts extraction.
func Unpack(r io.Reader, destdir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening compressed stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return wrapTarError(err)
		}

		if badMemberName(hdr.Name) {
			return fmt.Errorf("%w: %q", ErrForbiddenMemberName, hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			return fmt.Errorf("%w: %q has type %q", ErrUnsupportedMemberType, hdr.Name, hdr.Typeflag)
		}

		path := filepath.Join(destdir, hdr.Name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("extracting %s: %w", hdr.Name, wrapTarError(err))
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", path, err)
		}
	}
}

// List returns the member names of a gzip-tar stream without extracting,
// applying the same restrictions as Unpack. The names are returned sorted,
// not in archive order.
func List(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening compressed stream: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapTarError(err)
		}
		if badMemberName(hdr.Name) {
			return nil, fmt.Errorf("%w: %q", ErrForbiddenMemberName, hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedMemberType, hdr.Name)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names, nil
}

// badMemberName rejects anything that could address outside a flat
// directory: separators, the dot names, and empty names.
func badMemberName(name string) bool {
	return name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\")
}

// wrapTarError maps the tar reader's failures onto the codec's error
// kinds so callers can distinguish truncation from malformed headers.
func wrapTarError(err error) error {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrIncompleteBlock, err)
	case errors.Is(err, tar.ErrHeader):
		return fmt.Errorf("%w: %v", ErrBadOctal, err)
	default:
		return err
	}
}
