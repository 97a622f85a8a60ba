// ABOUTME: Signature name listing over files, directories, and bundles
// ABOUTME: CVD inputs are unpacked to a scratch directory first

package sigs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/cvd"
)

// List emits every detection name found at path, which may be a
// database file, a database directory, or a CVD bundle.
func List(path string, emit func(name string)) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if fi.IsDir() {
		return listDir(path, emit)
	}

	isBundle, err := sniffBundle(path)
	if err != nil {
		return err
	}
	if isBundle {
		scratch, err := os.MkdirTemp("", "sigforge-list-")
		if err != nil {
			return fmt.Errorf("creating scratch directory: %w", err)
		}
		defer os.RemoveAll(scratch)

		if err := cvd.Unpack(path, scratch); err != nil {
			return err
		}
		return listDir(scratch, emit)
	}

	return listFile(path, emit)
}

// sniffBundle reports whether the file opens with the CVD magic.
func sniffBundle(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, len(cvd.Magic)+1)
	n, _ := f.Read(buf)
	return strings.HasPrefix(string(buf[:n]), cvd.Magic+":"), nil
}

func listDir(dir string, emit func(string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ext := listableExt(e.Name()); ext != "" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := listFile(filepath.Join(dir, name), emit); err != nil {
			return err
		}
	}
	return nil
}

func listFile(path string, emit func(string)) error {
	ext := listableExt(path)
	if ext == "" {
		return fmt.Errorf("%s is not a listable database file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, ok := NameOf(ext, line)
		if !ok {
			return fmt.Errorf("malformed pattern line %d in %s", lineNo, path)
		}
		emit(name)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// listableExt returns the signature-format extension of a path, or ""
// when the file holds no listable names (.fp carries false-positive
// hashes, not detections).
func listableExt(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "db", "hdb", "mdb", "ndb", "sdb", "zmd", "rmd":
		return ext
	default:
		return ""
	}
}
