// Package cmd implements the CLI commands for shipper.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// cfg is the effective configuration, loaded before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "shipper",
	Short:   "Live HLS/DASH audio shipper",
	Version: version.Short(),
	Long: `shipper mixes per-segment audio into fixed-length chunks and ships them
as a live stream: fragmented MP4 segments with HLS and DASH manifests uploaded
to an object store, or PCM fed to an ffmpeg push encoder, a local player or a
WAV capture file.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set here to avoid an initialization cycle through rootCmd.PersistentFlags.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyLoggingFlags(rootCmd.PersistentFlags(), &loaded.Logging)
		cfg = loaded
		initLogging(cfg.Logging)
		return nil
	}

	// Flags are not bound to viper. They override the config file and the
	// environment only when explicitly set.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/shipper/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// applyLoggingFlags overrides logging settings with flags the user set.
func applyLoggingFlags(flags *pflag.FlagSet, lc *config.LoggingConfig) {
	if flags.Changed("log-level") {
		lc.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		lc.Format, _ = flags.GetString("log-format")
	}
	lc.Level = strings.ToLower(lc.Level)
	if lc.Level == "warning" {
		lc.Level = "warn"
	}
	lc.Format = strings.ToLower(lc.Format)
}

// initLogging installs the redacting logger as the slog default. Logs go to
// stderr so that config dump output stays clean.
func initLogging(lc config.LoggingConfig) {
	logger := observability.NewLoggerWithWriter(lc, os.Stderr)
	observability.SetDefault(logger.With("app", version.ApplicationName))
}
