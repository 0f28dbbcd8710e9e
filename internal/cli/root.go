package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/pkgforge/internal/config"
	"github.com/lucasnoah/pkgforge/internal/metrics"
	"github.com/lucasnoah/pkgforge/internal/telemetry"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile      string
	envFile         string
	verbose         bool
	metricsTextfile string
	traceFile       string
)

// app is what the root command sets up for every subcommand.
var app struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	shutdown telemetry.Shutdown
}

var rootCmd = &cobra.Command{
	Use:   "pkgforge",
	Short: "pkgforge writes packaging manifests that build",
	Long: `pkgforge drives a language model through an iterative build-repair loop
until a packaging manifest builds, then refines the working manifest.

Every candidate, build log and prompt is kept under ~/.pkgforge/sessions/;
the append-only session record lives in ~/.pkgforge/pkgforge.db unless
storage.db points at Postgres or libSQL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(envFile); err != nil {
			return err
		}
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		app.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		app.metrics = metrics.New()
		shutdown, err := telemetry.InitFile(traceFile, version)
		if err != nil {
			return err
		}
		app.shutdown = shutdown
		return nil
	},
}

// Execute runs the CLI. Metrics and traces are flushed even when the
// command failed.
func Execute() error {
	err := rootCmd.Execute()
	return errors.Join(err, finish())
}

func finish() error {
	var errs []error
	if metricsTextfile != "" && app.metrics != nil {
		if err := app.metrics.WriteTextfile(metricsTextfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if app.shutdown != nil {
		if err := app.shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
		app.shutdown = nil
	}
	return errors.Join(errs...)
}

// resolveConfigPath returns the absolute path of an explicitly given config
// file, or "" when none was given.
func resolveConfigPath(flag string) (string, error) {
	if flag == "" {
		return "", nil
	}
	abs, err := filepath.Abs(flag)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file %s not found", abs)
	}
	return abs, nil
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath(configFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// loadValidConfig is loadConfig followed by validation.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w (run `pkgforge config validate` for all %d)", errs[0], len(errs))
	}
	return cfg, nil
}

func logger() *slog.Logger {
	if app.logger == nil {
		return slog.Default()
	}
	return app.logger
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to pkgforge.yaml or pkgforge.toml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with provider API keys")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace-file", "", "write OpenTelemetry spans to this file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(promptsCmd)
}
