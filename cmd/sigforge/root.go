// ABOUTME: Root command for the sigforge CLI
// ABOUTME: Sets up global flags, config loading, and subcommands

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/config"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/observability"
)

// Global flags.
var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sigforge",
		Short: "Sigforge - signature database publishing toolkit",
		Long: `Sigforge builds, signs, and distributes versioned virus-database
bundles (CVD) together with incrementally applicable patches (CDIFF).

It is the publishing-side companion of the hikma-av scanning service:
scanners consume what sigforge releases.`,
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $HOME/.config/sigforge/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")

	// Add subcommands.
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newDiffCmd())
	cmd.AddCommand(newApplyCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newUnpackCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newHashCmd())
	cmd.AddCommand(newMirrorsCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the effective configuration and logger, applying
// global flag overrides on top of the file.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "sigforge",
		Version:     version,
	}, os.Stderr)

	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sigforge version %s\n", version)
			fmt.Printf("  Git SHA:    %s\n", gitSHA)
			fmt.Printf("  Build Time: %s\n", buildTime)
		},
	}
}
