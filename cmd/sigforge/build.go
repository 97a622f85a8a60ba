// ABOUTME: Build command: produce a signed CVD plus incremental CDIFF
// ABOUTME: Wires signer, ledger, tracing, and notification hooks together

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/build"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/config"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/notify"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/observability"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/release"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/signer"
)

func newBuildCmd() *cobra.Command {
	var (
		dir         string
		versionFlag uint32
		previous    string
		server      string
		builder     string
		engineLevel uint32
		emitUnlink  bool
		noLedger    bool
	)

	cmd := &cobra.Command{
		Use:   "build OUTPUT.cvd",
		Short: "Build a signed database bundle and its incremental patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			applyBuildDefaults(cfg, &dir, &server, &builder, &engineLevel)

			if server == "" {
				return fmt.Errorf("a signing server is required, set --server or signer.host")
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

			tp, err := observability.NewTracerProvider(cmd.Context(), observability.TracingConfig{
				Enabled:       cfg.Tracing.Enabled,
				ServiceName:   "sigforge",
				Version:       version,
				Endpoint:      cfg.Tracing.Endpoint,
				Insecure:      cfg.Tracing.Insecure,
				SamplingRatio: cfg.Tracing.SamplingRatio,
			})
			if err != nil {
				return err
			}
			defer tp.Shutdown(cmd.Context())

			var ledger *release.Ledger
			if !noLedger {
				ledger, err = release.Open(release.LedgerConfig{Path: cfg.Ledger.Dir})
				if err != nil {
					return err
				}
				defer ledger.Close()
			}

			var hooks []notify.Hook
			hooks = append(hooks, notify.LogHook{Logger: logger})
			natsHook, err := notify.ConnectNATS(notify.NATSConfig{
				URL:     cfg.Notify.NATSURL,
				Subject: cfg.Notify.Subject,
				Name:    "sigforge",
			}, logger)
			if err != nil {
				logger.Warn("release announcements disabled", "error", err)
			} else if natsHook != nil {
				defer natsHook.Close()
				hooks = append(hooks, natsHook)
			}
			pool := notify.NewPool(logger)
			defer pool.Close()

			res, err := build.Run(cmd.Context(), build.Options{
				Dir:         dir,
				Output:      args[0],
				Version:     versionFlag,
				Previous:    previous,
				EngineLevel: engineLevel,
				Builder:     user,
				Sign:        client.Sign,
				EmitUnlink:  emitUnlink,
				Ledger:      ledger,
				Hooks:       hooks,
				Pool:        pool,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created %s (version %d, %d signatures)\n", args[0], res.Record.Version, res.Record.Sigs)
			if res.CDiffPath != "" {
				fmt.Printf("Created %s\n", res.CDiffPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "signature directory (default: database_dir from config)")
	cmd.Flags().Uint32Var(&versionFlag, "version", 0, "force the new version number")
	cmd.Flags().StringVar(&previous, "previous", "", "previous CVD or unpacked snapshot for the incremental patch")
	cmd.Flags().StringVar(&server, "server", "", "signing service address")
	cmd.Flags().StringVar(&builder, "builder", "", "builder identity (default: builder from config, then $SIGNDUSER)")
	cmd.Flags().Uint32Var(&engineLevel, "engine-level", 0, "functionality level (default: engine_level from config)")
	cmd.Flags().BoolVar(&emitUnlink, "unlink", false, "emit UNLINK for files removed since the previous version")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "skip the release ledger")

	return cmd
}

// applyBuildDefaults fills unset flags from the configuration.
func applyBuildDefaults(cfg *config.Config, dir, server, builder *string, engineLevel *uint32) {
	if *dir == "" {
		*dir = cfg.DatabaseDir
	}
	if *dir == "" {
		wd, err := os.Getwd()
		if err == nil {
			*dir = wd
		}
	}
	if *server == "" {
		*server = cfg.Signer.Host
	}
	if *builder == "" {
		*builder = cfg.Builder
	}
	if *engineLevel == 0 {
		*engineLevel = cfg.EngineLevel
	}
}
