// ABOUTME: Bundle inspection commands: info, unpack, list, hash
// ABOUTME: Header printing mirrors what downstream scanners read

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/cvd"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/sigs"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info BUNDLE.cvd",
		Short: "Print and verify a bundle's header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			h, err := cvd.ReadHeader(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Build time: %s\n", h.BuildTime)
			fmt.Printf("Version: %d\n", h.Version)
			fmt.Printf("Signatures: %d\n", h.Sigs)
			fmt.Printf("Functionality level: %d\n", h.FuncLevel)
			fmt.Printf("Builder: %s\n", h.Builder)
			fmt.Printf("MD5: %s\n", h.MD5)
			fmt.Printf("Digital signature: %s\n", h.DSig)

			verifier, err := dsig.LoadVerifier(cfg.PublicKey)
			if err != nil {
				return err
			}
			if _, err := cvd.Verify(args[0], verifier); err != nil {
				if errors.Is(err, dsig.ErrVerifierUnavailable) {
					fmt.Println("Verification: hash OK, signature not checked (no public key configured)")
				} else {
					return fmt.Errorf("verification: %w", err)
				}
			} else {
				fmt.Println("Verification OK.")
			}

			cvd.Advise(logger, h, cfg.EngineLevel, time.Now())
			return nil
		},
	}
	return cmd
}

func newUnpackCmd() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "unpack BUNDLE.cvd",
		Short: "Unpack a bundle's payload into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", dest, err)
			}
			return cvd.Unpack(args[0], dest)
		},
	}

	cmd.Flags().StringVar(&dest, "dest", ".", "destination directory")

	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list PATH",
		Short: "List signature names in a database file, directory, or bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sigs.List(args[0], func(name string) {
				fmt.Println(name)
			})
		},
	}
	return cmd
}

func newHashCmd() *cobra.Command {
	var mdb bool

	cmd := &cobra.Command{
		Use:   "hash [FILES...]",
		Short: "Print MD5 digests for files, or of stdin with no arguments",
		Long: `Prints md5:size:filename lines suitable for hash databases.
With --mdb the field order is size:md5:filename. Without arguments the
digest of standard input is printed alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				digest, err := dsig.HashStream(types.AlgorithmMD5, os.Stdin)
				if err != nil {
					return err
				}
				fmt.Println(digest.Value)
				return nil
			}

			for _, path := range args {
				fi, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("stat %s: %w", path, err)
				}
				if !fi.Mode().IsRegular() {
					continue
				}
				digest, err := dsig.HashFile(types.AlgorithmMD5, path)
				if err != nil {
					return err
				}
				if mdb {
					fmt.Printf("%d:%s:%s\n", fi.Size(), digest.Value, path)
				} else {
					fmt.Printf("%s:%d:%s\n", digest.Value, fi.Size(), path)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&mdb, "mdb", false, "emit size:md5:name order for .mdb databases")

	return cmd
}
