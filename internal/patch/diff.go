// ABOUTME: Line-keyed diff engine between two database directories
// ABOUTME: Bounded look-ahead keeps worst-case behaviour linear-ish

package patch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// MaxDelLookahead bounds how far the diff scans forward in the old file
// for a line matching the current new line. Signature updates interleave
// small deletions among long stable regions; fifty lines bounds the
// quadratic corner without losing minimality in practice.
const MaxDelLookahead = 50

// DiffOptions controls script emission.
type DiffOptions struct {
	// EmitUnlink emits UNLINK for files present in the old directory
	// but absent from the new one. Off by default: appliers predating
	// UNLINK reject unknown commands, so emission is opt-in.
	EmitUnlink bool
}

// DiffDirs writes a patch script transforming oldDir into newDir. Files
// are visited in sorted name order; files whose digests already match
// produce no commands.
func DiffDirs(w io.Writer, oldDir, newDir string, opts DiffOptions) error {
	newNames, err := listRegular(newDir)
	if err != nil {
		return err
	}

	for _, name := range newNames {
		if !types.AllowedName(name) {
			return fmt.Errorf("%w: %q in %s", ErrForbiddenName, name, newDir)
		}
		if err := diffFile(w, filepath.Join(oldDir, name), filepath.Join(newDir, name), name); err != nil {
			return err
		}
	}

	if opts.EmitUnlink {
		oldNames, err := listRegular(oldDir)
		if err != nil {
			return err
		}
		newSet := make(map[string]bool, len(newNames))
		for _, n := range newNames {
			newSet[n] = true
		}
		for _, name := range oldNames {
			if newSet[name] {
				continue
			}
			if !types.AllowedName(name) {
				return fmt.Errorf("%w: %q in %s", ErrForbiddenName, name, oldDir)
			}
			if err := WriteCommand(w, Command{Op: OpUnlink, Name: name}); err != nil {
				return err
			}
		}
	}

	return nil
}

func listRegular(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// diffFile emits the commands for a single file pair. A missing old file
// yields pure ADDs; identical digests yield nothing.
func diffFile(w io.Writer, oldPath, newPath, name string) error {
	newLines, err := readLines(newPath)
	if err != nil {
		return err
	}

	oldLines, oldExists, err := readOptionalLines(oldPath)
	if err != nil {
		return err
	}

	if oldExists {
		oldSum, err := dsig.HashFile(types.AlgorithmMD5, oldPath)
		if err != nil {
			return err
		}
		newSum, err := dsig.HashFile(types.AlgorithmMD5, newPath)
		if err != nil {
			return err
		}
		if oldSum.Equal(newSum) {
			return nil
		}
	}

	if err := WriteCommand(w, Command{Op: OpOpen, Name: name}); err != nil {
		return err
	}

	o, n := 0, 0
	for n < len(newLines) {
		if o >= len(oldLines) {
			if err := WriteCommand(w, Command{Op: OpAdd, Text: newLines[n]}); err != nil {
				return err
			}
			n++
			continue
		}

		if oldLines[o] == newLines[n] {
			o++
			n++
			continue
		}

		// Scan forward in old for the current new line.
		found := 0
		for k := 1; k <= MaxDelLookahead && o+k < len(oldLines); k++ {
			if oldLines[o+k] == newLines[n] {
				found = k
				break
			}
		}

		if found > 0 {
			for i := 0; i < found; i++ {
				cmd := Command{Op: OpDel, Line: o + i + 1, Key: KeyOf(oldLines[o+i])}
				if err := WriteCommand(w, cmd); err != nil {
					return err
				}
			}
			o += found + 1
			n++
		} else {
			cmd := Command{Op: OpXchg, Line: o + 1, Key: KeyOf(oldLines[o]), Text: newLines[n]}
			if err := WriteCommand(w, cmd); err != nil {
				return err
			}
			o++
			n++
		}
	}

	// Everything left in old was removed.
	for ; o < len(oldLines); o++ {
		cmd := Command{Op: OpDel, Line: o + 1, Key: KeyOf(oldLines[o])}
		if err := WriteCommand(w, cmd); err != nil {
			return err
		}
	}

	return WriteCommand(w, Command{Op: OpClose})
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

func readOptionalLines(path string) ([]string, bool, error) {
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return lines, true, nil
}
