// ABOUTME: Patch commands: diff two bundles, apply a patch, verify a patch
// ABOUTME: Accepts both plain scripts and signed CDIFF envelopes

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/build"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/cdiff"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/cvd"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/patch"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/signer"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

func newDiffCmd() *cobra.Command {
	var (
		server     string
		builder    string
		emitUnlink bool
	)

	cmd := &cobra.Command{
		Use:   "diff OLD.cvd NEW.cvd",
		Short: "Create the incremental patch between two consecutive bundles",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			oldPath, newPath := args[0], args[1]

			oldHdr, err := cvd.ReadHeader(oldPath)
			if err != nil {
				return err
			}
			newHdr, err := cvd.ReadHeader(newPath)
			if err != nil {
				return err
			}
			if oldHdr.Version+1 != newHdr.Version {
				return fmt.Errorf("the old bundle must be version %d, got %d", newHdr.Version-1, oldHdr.Version)
			}

			oldDir, err := os.MkdirTemp("", "sigforge-diff-old-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(oldDir)
			newDir, err := os.MkdirTemp("", "sigforge-diff-new-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(newDir)

			if err := cvd.Unpack(oldPath, oldDir); err != nil {
				return err
			}
			if err := cvd.Unpack(newPath, newDir); err != nil {
				return err
			}

			stem := types.StemOf(filepath.Base(newPath))
			scriptPath := fmt.Sprintf("%s-%d.script", stem, newHdr.Version)

			script, err := os.OpenFile(scriptPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if err := patch.DiffDirs(script, oldDir, newDir, patch.DiffOptions{EmitUnlink: emitUnlink}); err != nil {
				script.Close()
				os.Remove(scriptPath)
				return err
			}
			if err := script.Close(); err != nil {
				return err
			}

			if err := build.VerifyPatch(scriptPath, oldPath, stem); err != nil {
				broken := scriptPath + ".broken"
				if renameErr := os.Rename(scriptPath, broken); renameErr != nil {
					os.Remove(scriptPath)
					return fmt.Errorf("generated patch is incorrect, removed: %w", err)
				}
				return fmt.Errorf("generated patch is incorrect, renamed to %s: %w", broken, err)
			}
			fmt.Printf("Generated diff file %s\n", scriptPath)

			if server == "" {
				server = cfg.Signer.Host
			}
			if server == "" {
				// Without a signing service the plain script is the
				// final artifact.
				return nil
			}

			user, err := signer.ResolveUser(builder)
			if err != nil {
				return err
			}
			pass, err := signer.ResolvePassword()
			if err != nil {
				return err
			}
			defer signer.Wipe(pass)

			timeout, err := cfg.SignerTimeout()
			if err != nil {
				return err
			}
			client := &signer.Client{Host: server, User: user, Password: pass, Timeout: timeout}

			cdiffPath := strings.TrimSuffix(scriptPath, ".script") + ".cdiff"
			if err := cdiff.Pack(scriptPath, cdiffPath, newHdr.Version, client.Sign); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", cdiffPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "signing service address (omit to keep an unsigned script)")
	cmd.Flags().StringVar(&builder, "builder", "", "builder identity (default: $SIGNDUSER)")
	cmd.Flags().BoolVar(&emitUnlink, "unlink", false, "emit UNLINK for files removed in the new bundle")

	return cmd
}

func newApplyCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "apply PATCH",
		Short: "Apply a .script or .cdiff patch to a database directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			path := args[0]

			switch {
			case strings.HasSuffix(path, ".cdiff"):
				verifier, err := dsig.LoadVerifier(cfg.PublicKey)
				if err != nil {
					return err
				}
				if _, err := cdiff.Verify(path, verifier); err != nil {
					if !errors.Is(err, dsig.ErrVerifierUnavailable) {
						return err
					}
					logger.Warn("applying patch without signature verification, no public key configured")
				}
				return cdiff.ApplyUnverified(path, dir)

			case strings.HasSuffix(path, ".script"):
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				return patch.Apply(f, dir)

			default:
				return fmt.Errorf("%s has neither a .cdiff nor a .script extension", path)
			}
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "database directory to patch")

	return cmd
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify PATCH REFERENCE",
		Short: "Verify that a patch correctly transforms a reference bundle or snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			patchPath, reference := args[0], args[1]

			if strings.HasSuffix(patchPath, ".cdiff") {
				verifier, err := dsig.LoadVerifier(cfg.PublicKey)
				if err != nil {
					return err
				}
				if _, err := cdiff.Verify(patchPath, verifier); err != nil {
					if !errors.Is(err, dsig.ErrVerifierUnavailable) {
						return err
					}
					logger.Warn("signature not checked, no public key configured")
				}
			}

			stem := types.StemOf(filepath.Base(reference))
			if err := build.VerifyPatch(patchPath, reference, stem); err != nil {
				return err
			}
			fmt.Printf("Verification: %s correctly applies to %s\n", patchPath, reference)
			return nil
		},
	}
	return cmd
}
