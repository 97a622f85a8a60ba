// ABOUTME: Persistent per-mirror reputation store with fixed binary rows
// ABOUTME: Three failures flip the ignore flag; recency clears it again

package mirror

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"
)

// RowSize is the fixed on-disk row width. Readers reject files whose
// size is not a multiple of it.
const RowSize = 32

// IgnoreWindow is how long a flipped ignore flag suppresses a mirror.
const IgnoreWindow = 3 * 24 * time.Hour

// OutdatedWindow is how long a mirror serving databases for a much
// newer engine is avoided.
const OutdatedWindow = 4 * time.Hour

// outdatedDelta is how far a served functionality level must exceed
// the local engine before the mirror is considered ahead of us.
const outdatedDelta = 3

// failThreshold is how many failures are needed before the ignore
// flag can flip at all. A single failure is transient.
const failThreshold = 3

// ErrNotIPv4 indicates an address outside the store's keyspace.
var ErrNotIPv4 = errors.New("mirror store records IPv4 addresses only")

// Status is the outcome of a mirror check.
type Status int

const (
	// StatusOK means the mirror may be used. Unknown mirrors are OK.
	StatusOK Status = iota
	// StatusIgnore means the mirror is suppressed by its ignore flag.
	StatusIgnore
	// StatusEngineOutdated means the mirror recently served databases
	// requiring a much newer engine; avoid it for a while.
	StatusEngineOutdated
)

// String returns a short label for the status.
func (s Status) String() string {
	switch s {
	case StatusIgnore:
		return "ignore"
	case StatusEngineOutdated:
		return "engine-outdated"
	default:
		return "ok"
	}
}

// Record is one mirror's reputation row. The IP is kept in network
// byte order exactly as received; integer fields are little-endian on
// disk. Reserved bytes are 0xff-filled on insert and preserved on
// rewrite.
type Record struct {
	IP     [4]byte
	Atime  uint32
	Succ   uint32
	Fail   uint32
	Ignore uint8
	FLevel uint32
	res    [11]byte
}

// Addr returns the record's address.
func (r *Record) Addr() netip.Addr {
	return netip.AddrFrom4(r.IP)
}

func (r *Record) encode(buf []byte) {
	copy(buf[0:4], r.IP[:])
	binary.LittleEndian.PutUint32(buf[4:8], r.Atime)
	binary.LittleEndian.PutUint32(buf[8:12], r.Succ)
	binary.LittleEndian.PutUint32(buf[12:16], r.Fail)
	buf[16] = r.Ignore
	binary.LittleEndian.PutUint32(buf[17:21], r.FLevel)
	copy(buf[21:32], r.res[:])
}

func (r *Record) decode(buf []byte) {
	copy(r.IP[:], buf[0:4])
	r.Atime = binary.LittleEndian.Uint32(buf[4:8])
	r.Succ = binary.LittleEndian.Uint32(buf[8:12])
	r.Fail = binary.LittleEndian.Uint32(buf[12:16])
	r.Ignore = buf[16]
	r.FLevel = binary.LittleEndian.Uint32(buf[17:21])
	copy(r.res[:], buf[21:32])
}

// Store is the in-memory mirror table. It is loaded once, mutated in
// memory, and flushed with Write on shutdown. When inactive, every
// operation is a no-op and every mirror reads as unknown.
type Store struct {
	path    string
	active  bool
	records []Record
}

// Load reads the store at path. An inactive store skips the file
// entirely. A file whose size is not a whole number of rows is
// corrupt: it is deleted and an empty store returned, which beats
// trusting a truncated record.
func Load(path string, active bool) (*Store, error) {
	s := &Store{path: path, active: active}
	if !active {
		return s, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("opening mirror store %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, RowSize)
	for {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || (err == nil && n < RowSize) {
			os.Remove(path)
			s.records = nil
			return s, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading mirror store %s: %w", path, err)
		}
		var r Record
		r.decode(buf)
		s.records = append(s.records, r)
	}
	return s, nil
}

// Len returns the number of known mirrors.
func (s *Store) Len() int {
	return len(s.records)
}

// Records returns a copy of the table for listing.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) find(ip [4]byte) *Record {
	for i := range s.records {
		if s.records[i].IP == ip {
			return &s.records[i]
		}
	}
	return nil
}

// Check reports whether the mirror at addr should be used right now.
// Unknown mirrors and inactive stores are always OK.
func (s *Store) Check(addr netip.Addr, engineLevel uint32, now time.Time) (Status, error) {
	if !s.active {
		return StatusOK, nil
	}
	if !addr.Is4() {
		return StatusOK, fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}

	r := s.find(addr.As4())
	if r == nil {
		return StatusOK, nil
	}

	age := now.Sub(time.Unix(int64(r.Atime), 0))

	if r.FLevel > engineLevel && r.FLevel-engineLevel > outdatedDelta && age < OutdatedWindow {
		return StatusEngineOutdated, nil
	}

	if r.Ignore != 0 {
		if age > IgnoreWindow {
			r.Ignore = 0
			return StatusOK, nil
		}
		return StatusIgnore, nil
	}

	return StatusOK, nil
}

// Update records the outcome of an attempt against the mirror at addr.
// flevel is the functionality level the mirror served, zero if unknown.
func (s *Store) Update(addr netip.Addr, broken bool, flevel uint32, now time.Time) error {
	if !s.active {
		return nil
	}
	if !addr.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}

	ip := addr.As4()
	if r := s.find(ip); r != nil {
		r.Atime = uint32(now.Unix())
		if broken {
			r.Fail++
		} else {
			r.Succ++
		}
		if flevel != 0 {
			r.FLevel = flevel
		}
		// Fewer than three total failures never flips the flag; past
		// that, the flag tracks the latest outcome.
		if r.Fail < failThreshold {
			r.Ignore = 0
		} else if broken {
			r.Ignore = 1
		} else {
			r.Ignore = 0
		}
		return nil
	}

	r := Record{IP: ip, Atime: uint32(now.Unix()), FLevel: flevel}
	for i := range r.res {
		r.res[i] = 0xff
	}
	if broken {
		r.Fail = 1
	} else {
		r.Succ = 1
	}
	s.records = append(s.records, r)
	return nil
}

// Write truncates and rewrites the store file. Inactive or empty
// stores write nothing.
func (s *Store) Write() error {
	if !s.active || len(s.records) == 0 {
		return nil
	}

	buf := make([]byte, RowSize*len(s.records))
	for i := range s.records {
		s.records[i].encode(buf[i*RowSize : (i+1)*RowSize])
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("writing mirror store %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing mirror store %s: %w", s.path, err)
	}
	return nil
}

// List prints a human-readable table of the store.
func (s *Store) List(w io.Writer) {
	for i := range s.records {
		r := &s.records[i]
		if i > 0 {
			fmt.Fprintln(w, "-------------------------------------")
		}
		fmt.Fprintf(w, "Mirror #%d\n", i+1)
		fmt.Fprintf(w, "IP: %s\n", r.Addr())
		fmt.Fprintf(w, "Successes: %d\n", r.Succ)
		fmt.Fprintf(w, "Failures: %d\n", r.Fail)
		fmt.Fprintf(w, "Last access: %s\n", time.Unix(int64(r.Atime), 0).Format(time.RFC1123))
		if r.Ignore != 0 {
			fmt.Fprintln(w, "Ignore: Yes")
		} else {
			fmt.Fprintln(w, "Ignore: No")
		}
	}
}
