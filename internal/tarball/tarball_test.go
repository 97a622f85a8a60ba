// ABOUTME: Tests for the flat gzip-tar codec
// ABOUTME: Covers round-trip, forbidden names, and truncated archives

package tarball_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/tarball"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	t.Parallel()

	members := []tarball.Member{
		{Name: "COPYING", Data: []byte("license text\n")},
		{Name: "daily.db", Data: []byte("Sig1=abc\nSig2=def\n")},
		{Name: "daily.info", Data: []byte("ClamAV-VDB:...\n")},
		{Name: "empty.db", Data: nil},
	}

	var buf bytes.Buffer
	if err := tarball.Pack(&buf, members); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dest := t.TempDir()
	if err := tarball.Unpack(bytes.NewReader(buf.Bytes()), dest); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	for _, m := range members {
		got, err := os.ReadFile(filepath.Join(dest, m.Name))
		if err != nil {
			t.Fatalf("reading extracted %s: %v", m.Name, err)
		}
		if !bytes.Equal(got, m.Data) {
			t.Errorf("%s content = %q, want %q", m.Name, got, m.Data)
		}
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(members) {
		t.Errorf("extracted %d files, want %d", len(entries), len(members))
	}
}

func TestPackRejectsForbiddenNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"../evil", "a/b", "a\\b", "..", ".", ""} {
		var buf bytes.Buffer
		err := tarball.Pack(&buf, []tarball.Member{{Name: name, Data: []byte("x")}})
		if !errors.Is(err, tarball.ErrForbiddenMemberName) {
			t.Errorf("Pack(%q) = %v, want ErrForbiddenMemberName", name, err)
		}
	}
}

// gzTar builds a raw archive so malformed members can be injected.
func gzTar(t *testing.T, write func(*tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	write(tw)
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpackRejectsSlashMember(t *testing.T) {
	t.Parallel()

	raw := gzTar(t, func(tw *tar.Writer) {
		hdr := &tar.Header{Name: "sub/dir.db", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte("x"))
	})

	err := tarball.Unpack(bytes.NewReader(raw), t.TempDir())
	if !errors.Is(err, tarball.ErrForbiddenMemberName) {
		t.Errorf("Unpack = %v, want ErrForbiddenMemberName", err)
	}
}

func TestUnpackRejectsDirectoryMember(t *testing.T) {
	t.Parallel()

	raw := gzTar(t, func(tw *tar.Writer) {
		hdr := &tar.Header{Name: "subdir", Mode: 0o755, Typeflag: tar.TypeDir}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
	})

	err := tarball.Unpack(bytes.NewReader(raw), t.TempDir())
	if !errors.Is(err, tarball.ErrUnsupportedMemberType) {
		t.Errorf("Unpack = %v, want ErrUnsupportedMemberType", err)
	}
}

func TestUnpackTruncatedArchive(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := tarball.Pack(&buf, []tarball.Member{
		{Name: "daily.db", Data: bytes.Repeat([]byte("A"), 2048)},
	}); err != nil {
		t.Fatal(err)
	}

	// Re-compress a truncated tar stream so the gzip layer stays intact.
	gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	var rawTar bytes.Buffer
	if _, err := rawTar.ReadFrom(gz); err != nil {
		t.Fatal(err)
	}
	var truncated bytes.Buffer
	gw := gzip.NewWriter(&truncated)
	gw.Write(rawTar.Bytes()[:700])
	gw.Close()

	if err := tarball.Unpack(bytes.NewReader(truncated.Bytes()), t.TempDir()); err == nil {
		t.Error("Unpack of truncated archive should fail")
	}
}

func TestPackDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "daily.db"), []byte("Sig1=abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "COPYING"), []byte("GPL\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	// Absent names are skipped, present ones packed in order.
	if err := tarball.PackDir(&buf, dir, []string{"COPYING", "daily.db", "daily.hdb"}); err != nil {
		t.Fatalf("PackDir: %v", err)
	}

	names, err := tarball.List(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"COPYING", "daily.db"}
	if len(names) != len(want) {
		t.Fatalf("List = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
