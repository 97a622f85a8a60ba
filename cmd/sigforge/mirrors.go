// ABOUTME: Mirror commands: list and fetch using the reputation store
// ABOUTME: The store is loaded once, mutated in memory, flushed on exit

package main

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/config"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/mirror"
)

func newMirrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrors",
		Short: "Mirror reputation commands",
	}
	cmd.AddCommand(newMirrorsListCmd())
	cmd.AddCommand(newMirrorsFetchCmd())
	return cmd
}

func newMirrorsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the mirror reputation table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := mirror.Load(cfg.Mirrors.File, cfg.Mirrors.Active)
			if err != nil {
				return err
			}
			if store.Len() == 0 {
				fmt.Println("No mirrors on record.")
				return nil
			}
			store.List(os.Stdout)
			return nil
		},
	}
}

func newMirrorsFetchCmd() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "fetch DATABASE",
		Short: "Download a database bundle from the configured mirrors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			mirrors, err := configuredMirrors(cfg)
			if err != nil {
				return err
			}
			if len(mirrors) == 0 {
				return fmt.Errorf("no mirrors configured")
			}

			store, err := mirror.Load(cfg.Mirrors.File, cfg.Mirrors.Active)
			if err != nil {
				return err
			}

			fcfg := mirror.DefaultFetcherConfig()
			fcfg.EngineLevel = cfg.EngineLevel
			fetcher := mirror.NewFetcher(store, fcfg, logger)

			data, err := fetcher.Fetch(cmd.Context(), mirrors, args[0])
			// The reputation table is flushed whether or not the fetch
			// succeeded; failures are exactly what it must remember.
			if werr := store.Write(); werr != nil {
				logger.Warn("mirror store not persisted", "error", werr)
			}
			if err != nil {
				return err
			}

			target := filepath.Join(dest, args[0])
			tmp := target + ".tmp"
			if err := os.WriteFile(tmp, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", tmp, err)
			}
			if err := os.Rename(tmp, target); err != nil {
				os.Remove(tmp)
				return fmt.Errorf("renaming %s: %w", tmp, err)
			}
			fmt.Printf("Downloaded %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "dest", ".", "destination directory")

	return cmd
}

// configuredMirrors parses the endpoint list from the configuration.
func configuredMirrors(cfg *config.Config) ([]mirror.Endpoint, error) {
	var out []mirror.Endpoint
	for _, e := range cfg.Mirrors.Endpoints {
		addr, err := netip.ParseAddr(e.Addr)
		if err != nil {
			return nil, fmt.Errorf("parsing mirror address %q: %w", e.Addr, err)
		}
		out = append(out, mirror.Endpoint{Addr: addr, URL: e.URL})
	}
	return out, nil
}
