// ABOUTME: Signature database loader: per-format counting and validation
// ABOUTME: Bloom filter flags duplicate detection names while counting

package sigs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// ErrNoDatabases indicates the directory holds no signature files.
var ErrNoDatabases = errors.New("no signature database files found")

// signatureExtensions are the file formats the loader parses. The
// manifest set additionally carries cfg/wdb/pdb/info, which hold engine
// configuration rather than countable signatures.
var signatureExtensions = []string{"db", "hdb", "mdb", "ndb", "sdb", "zmd", "rmd", "fp"}

// Summary is the result of loading a database directory.
type Summary struct {
	// Total is the number of lines that parsed as signatures.
	Total uint32

	// Lines is the number of non-comment, non-empty lines. A gap
	// between Lines and Total means stray content the engine would
	// refuse or skip.
	Lines uint32

	// PerFile maps each parsed filename to its signature count.
	PerFile map[string]uint32

	// Duplicates counts detection names seen more than once across
	// the whole directory (bloom-filter estimate, may rarely
	// overcount).
	Duplicates uint32
}

// Load counts the signatures in every recognised database file of dir.
func Load(dir string) (*Summary, error) {
	sum := &Summary{PerFile: make(map[string]uint32)}
	seen := bloom.NewWithEstimates(1_000_000, 0.001)

	var any bool
	for _, stem := range types.DatabasePrefixes {
		for _, ext := range signatureExtensions {
			name := stem + "." + ext
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("stat %s: %w", path, err)
			}
			any = true
			if err := loadFile(path, name, ext, sum, seen); err != nil {
				return nil, err
			}
		}
	}
	if !any {
		return nil, fmt.Errorf("%w in %s", ErrNoDatabases, dir)
	}
	return sum, nil
}

func loadFile(path, name, ext string, sum *Summary, seen *bloom.BloomFilter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum.Lines++

		sigName, ok := NameOf(ext, line)
		if !ok {
			continue
		}
		sum.Total++
		sum.PerFile[name]++

		if seen.TestAndAddString(sigName) {
			sum.Duplicates++
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// NameOf extracts the detection name from a signature line of the given
// format extension. It reports false for lines the engine would not
// load as a signature.
func NameOf(ext, line string) (string, bool) {
	switch ext {
	case "db":
		// name=hexpattern
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return "", false
		}
		return trimClam(line[:i]), true

	case "hdb", "mdb", "fp":
		// md5:size:name
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[2] == "" {
			return "", false
		}
		return trimClam(fields[2]), true

	case "ndb", "sdb", "zmd", "rmd":
		// name:remainder
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return "", false
		}
		return trimClam(line[:i]), true

	default:
		return "", false
	}
}

// trimClam drops the legacy " (Clam)" suffix from a detection name.
func trimClam(name string) string {
	if i := strings.Index(name, " (Clam)"); i >= 0 {
		return name[:i]
	}
	return name
}
