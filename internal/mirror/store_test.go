// ABOUTME: Tests for the mirror reputation store
// ABOUTME: Covers ignore flipping, window expiry, and corrupt-file recovery

package mirror_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/mirror"
)

var testAddr = netip.AddrFrom4([4]byte{1, 2, 3, 4})

func newStore(t *testing.T) (*mirror.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirrors.dat")
	s, err := mirror.Load(path, true)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestThreeFailuresFlipIgnore(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	t0 := time.Unix(1_784_000_000, 0)

	for i := 0; i < 3; i++ {
		if err := s.Update(testAddr, true, 0, t0); err != nil {
			t.Fatal(err)
		}
	}

	status, err := s.Check(testAddr, 60, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if status != mirror.StatusIgnore {
		t.Errorf("Check after 3 failures = %v, want ignore", status)
	}

	// Just past the ignore window the flag clears.
	status, err = s.Check(testAddr, 60, t0.Add(mirror.IgnoreWindow+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if status != mirror.StatusOK {
		t.Errorf("Check after window = %v, want ok", status)
	}

	// And stays cleared.
	status, _ = s.Check(testAddr, 60, t0.Add(time.Hour))
	if status != mirror.StatusOK {
		t.Errorf("Check after clearing = %v, want ok", status)
	}
}

func TestFewFailuresNeverIgnore(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	t0 := time.Unix(1_784_000_000, 0)

	if err := s.Update(testAddr, true, 0, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(testAddr, true, 0, t0); err != nil {
		t.Fatal(err)
	}

	status, err := s.Check(testAddr, 60, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if status != mirror.StatusOK {
		t.Errorf("Check after 2 failures = %v, want ok", status)
	}
}

func TestSuccessAfterFailuresClearsIgnore(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	t0 := time.Unix(1_784_000_000, 0)

	for i := 0; i < 3; i++ {
		s.Update(testAddr, true, 0, t0)
	}
	if err := s.Update(testAddr, false, 60, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	status, _ := s.Check(testAddr, 60, t0.Add(2*time.Hour))
	if status != mirror.StatusOK {
		t.Errorf("Check after success = %v, want ok", status)
	}
}

func TestEngineOutdatedAvoidance(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	t0 := time.Unix(1_784_000_000, 0)

	// The mirror served a database needing level 70 against a level-60
	// engine: more than 3 ahead.
	if err := s.Update(testAddr, false, 70, t0); err != nil {
		t.Fatal(err)
	}

	status, _ := s.Check(testAddr, 60, t0.Add(time.Hour))
	if status != mirror.StatusEngineOutdated {
		t.Errorf("Check within window = %v, want engine-outdated", status)
	}

	status, _ = s.Check(testAddr, 60, t0.Add(mirror.OutdatedWindow+time.Minute))
	if status != mirror.StatusOK {
		t.Errorf("Check past window = %v, want ok", status)
	}

	// A small delta never triggers avoidance.
	other := netip.AddrFrom4([4]byte{5, 6, 7, 8})
	s.Update(other, false, 62, t0)
	status, _ = s.Check(other, 60, t0.Add(time.Minute))
	if status != mirror.StatusOK {
		t.Errorf("Check small delta = %v, want ok", status)
	}
}

func TestUnknownMirrorIsOK(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	status, err := s.Check(testAddr, 60, time.Now())
	if err != nil || status != mirror.StatusOK {
		t.Errorf("Check unknown = %v, %v, want ok", status, err)
	}
}

func TestInactiveStoreIsNoOp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mirrors.dat")
	s, err := mirror.Load(path, false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := s.Update(testAddr, true, 0, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	status, _ := s.Check(testAddr, 60, time.Now())
	if status != mirror.StatusOK {
		t.Errorf("inactive Check = %v, want ok", status)
	}
	if err := s.Write(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("inactive store wrote a file")
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)
	t0 := time.Unix(1_784_000_000, 0)

	s.Update(testAddr, false, 60, t0)
	s.Update(netip.AddrFrom4([4]byte{9, 9, 9, 9}), true, 0, t0)
	if err := s.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 2*mirror.RowSize {
		t.Errorf("file size = %d, want %d", fi.Size(), 2*mirror.RowSize)
	}

	back, err := mirror.Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Len() != 2 {
		t.Fatalf("Len = %d, want 2", back.Len())
	}
	recs := back.Records()
	if recs[0].Addr() != testAddr || recs[0].Succ != 1 || recs[0].FLevel != 60 {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].Fail != 1 {
		t.Errorf("record 1 = %+v", recs[1])
	}
}

func TestLoadCorruptFileStartsFresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mirrors.dat")
	// A size that is not a multiple of the row width is a truncated
	// record.
	if err := os.WriteFile(path, make([]byte, mirror.RowSize+7), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := mirror.Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file was not removed")
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	s.Update(testAddr, false, 60, time.Unix(1_784_000_000, 0))

	var sb strings.Builder
	s.List(&sb)
	out := sb.String()
	if !strings.Contains(out, "1.2.3.4") || !strings.Contains(out, "Successes: 1") {
		t.Errorf("List output = %q", out)
	}
}
