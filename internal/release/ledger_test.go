// ABOUTME: Tests for the release ledger using an in-memory database
// ABOUTME: Covers latest lookup across versions and history ordering

package release_test

import (
	"context"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/release"
)

func openLedger(t *testing.T) *release.Ledger {
	t.Helper()
	l, err := release.Open(release.LedgerConfig{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func record(stem string, version uint32) *release.Record {
	return &release.Record{
		BuildID:   "build-x",
		Stem:      stem,
		Version:   version,
		Sigs:      100 + version,
		FuncLevel: 60,
		MD5:       "44d88612fea8a8f36de82e1278abb02f",
		Builder:   "sven",
		BuiltAt:   time.Unix(1_784_000_000, 0).UTC(),
	}
}

func TestLatestAcrossVersions(t *testing.T) {
	t.Parallel()

	l := openLedger(t)
	ctx := context.Background()

	for _, v := range []uint32{1, 3, 2} {
		if err := l.Put(ctx, record("daily", v)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// A different stem must not leak into the lookup.
	if err := l.Put(ctx, record("main", 99)); err != nil {
		t.Fatal(err)
	}

	got, err := l.Latest(ctx, "daily")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil || got.Version != 3 {
		t.Errorf("Latest = %+v, want version 3", got)
	}
}

func TestLatestEmptyStem(t *testing.T) {
	t.Parallel()

	l := openLedger(t)
	got, err := l.Latest(context.Background(), "daily")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != nil {
		t.Errorf("Latest on empty ledger = %+v, want nil", got)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	l := openLedger(t)
	ctx := context.Background()
	for v := uint32(1); v <= 4; v++ {
		if err := l.Put(ctx, record("daily", v)); err != nil {
			t.Fatal(err)
		}
	}

	var versions []uint32
	err := l.History(ctx, "daily", func(r release.Record) error {
		versions = append(versions, r.Version)
		return nil
	})
	if err != nil {
		t.Fatalf("History: %v", err)
	}

	want := []uint32{4, 3, 2, 1}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Errorf("versions[%d] = %d, want %d", i, versions[i], want[i])
		}
	}
}

func TestPutOverwritesSameVersion(t *testing.T) {
	t.Parallel()

	l := openLedger(t)
	ctx := context.Background()

	first := record("daily", 5)
	if err := l.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := record("daily", 5)
	second.Sigs = 999
	if err := l.Put(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := l.Latest(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if got.Sigs != 999 {
		t.Errorf("Sigs = %d, want 999", got.Sigs)
	}
}
