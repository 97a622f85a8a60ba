// ABOUTME: Status command: print release history from the ledger
// ABOUTME: Newest releases first, per database stem

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/release"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

func newStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show release history recorded by previous builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			ledger, err := release.Open(release.LedgerConfig{Path: cfg.Ledger.Dir})
			if err != nil {
				return err
			}
			defer ledger.Close()

			var any bool
			for _, stem := range types.DatabasePrefixes {
				n := 0
				err := ledger.History(cmd.Context(), stem, func(r release.Record) error {
					if limit > 0 && n >= limit {
						return nil
					}
					n++
					any = true
					fmt.Printf("%s version %d: %d signatures, level %d, built %s by %s\n",
						r.Stem, r.Version, r.Sigs, r.FuncLevel,
						r.BuiltAt.Format("2006-01-02 15:04 MST"), r.Builder)
					if r.PatchPath != "" {
						fmt.Printf("  patch: %s\n", r.PatchPath)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if !any {
				fmt.Println("No releases recorded.")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "releases to show per database (0 = all)")

	return cmd
}
