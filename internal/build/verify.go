// ABOUTME: Patch verification against a reference snapshot
// ABOUTME: Applies the patch in a scratch directory and re-checks the manifest

package build

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/cdiff"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/cvd"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/manifest"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/patch"
)

// VerifyPatch applies patchPath (a .script or .cdiff) over the reference
// (a CVD bundle or a directory snapshot) in a scratch directory, then
// re-hashes every file the resulting manifest lists. Any failure rejects
// the patch. Signature checking of .cdiff envelopes is the caller's
// concern; this checks only that the patch produces what the manifest
// promises.
func VerifyPatch(patchPath, reference, stem string) error {
	scratch, err := os.MkdirTemp("", "sigforge-verify-")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	fi, err := os.Stat(reference)
	if err != nil {
		return fmt.Errorf("stat reference %s: %w", reference, err)
	}
	if fi.IsDir() {
		if err := copyDir(reference, scratch); err != nil {
			return err
		}
	} else {
		if err := cvd.Unpack(reference, scratch); err != nil {
			return err
		}
	}

	script, err := readScript(patchPath)
	if err != nil {
		return err
	}
	if err := patch.Apply(bytes.NewReader(script), scratch); err != nil {
		return fmt.Errorf("applying %s: %w", patchPath, err)
	}

	if err := manifest.VerifyDir(scratch, stem); err != nil {
		return fmt.Errorf("verifying %s after apply: %w", patchPath, err)
	}
	return nil
}

// readScript loads the plain script bytes of a patch file, decompressing
// CDIFF envelopes.
func readScript(path string) ([]byte, error) {
	if strings.HasSuffix(path, ".cdiff") {
		var buf bytes.Buffer
		if err := cdiff.ExtractScript(path, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script %s: %w", path, err)
	}
	return data, nil
}

// copyDir copies the regular files of src into dst (flat, no recursion;
// database directories carry no subdirectories).
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("listing %s: %w", src, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
