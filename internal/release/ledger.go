// ABOUTME: BadgerDB ledger of built releases per database stem
// ABOUTME: Provides Put, Latest, and History for the build pipeline

package release

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Record describes one published release.
type Record struct {
	// BuildID uniquely identifies the build run.
	BuildID string `json:"build_id"`

	// Stem is the database name stem (main or daily).
	Stem string `json:"stem"`

	// Version is the released database version.
	Version uint32 `json:"version"`

	// Sigs is the signature count shipped.
	Sigs uint32 `json:"sigs"`

	// FuncLevel is the engine level the release requires.
	FuncLevel uint32 `json:"func_level"`

	// MD5 is the payload digest recorded in the header.
	MD5 string `json:"md5"`

	// Builder identifies who signed the release.
	Builder string `json:"builder"`

	// BuiltAt is when the build completed.
	BuiltAt time.Time `json:"built_at"`

	// CVDPath is where the bundle was written.
	CVDPath string `json:"cvd_path"`

	// PatchPath is where the CDIFF was written, if one was produced.
	PatchPath string `json:"patch_path,omitempty"`
}

// LedgerConfig holds configuration for the ledger store.
type LedgerConfig struct {
	// Path to the database directory. Required unless InMemory is true.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool
}

// Ledger wraps BadgerDB for release history storage.
type Ledger struct {
	db *badger.DB
}

// Open creates or opens the ledger at the configured path.
func Open(cfg LedgerConfig) (*Ledger, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening release ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// key orders releases of a stem by version. Zero-padding keeps the
// lexicographic iterator order equal to numeric order.
func key(stem string, version uint32) []byte {
	return []byte(fmt.Sprintf("release:%s:%010d", stem, version))
}

func prefix(stem string) []byte {
	return []byte(fmt.Sprintf("release:%s:", stem))
}

// Put records a release.
func (l *Ledger) Put(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling release record: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.Stem, rec.Version), data)
	})
}

// Latest returns the newest release of the stem, or nil when the stem
// has no history.
func (l *Ledger) Latest(ctx context.Context, stem string) (*Record, error) {
	var rec *Record

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := prefix(stem)
		// Seek past the last possible version key, then step back into
		// the prefix range.
		seek := append(append([]byte(nil), p...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(p) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			rec = &Record{}
			if err := json.Unmarshal(val, rec); err != nil {
				return fmt.Errorf("unmarshalling release record: %w", err)
			}
			return nil
		})
	})
	return rec, err
}

// History visits the stem's releases from newest to oldest.
func (l *Ledger) History(ctx context.Context, stem string, fn func(Record) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := prefix(stem)
		seek := append(append([]byte(nil), p...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(p); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshalling release record: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}
