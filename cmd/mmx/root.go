package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"merramax/internal/cfg"
)

// settings is loaded once before any command runs and then adjusted by flags.
var settings cfg.Settings

var rootCmd = &cobra.Command{
	Use:   "mmx [flags] [variable...]",
	Short: "Bootstrap-ensemble predictor selection over MERRA-2 climate rasters",
	Long: `mmx fetches climate rasters for the envelope of a species' observations, fits
many MaxEnt models on random predictor subsets, ranks predictors by their mean
permutation importance and retrains a final model on the best ones.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	pf.String("redis-addr", "", "Redis address of the trial queue")
	pf.String("queue", "", "Redis list holding pending trials")
	pf.Int("workers", 0, "worker pool width")
	pf.String("jar", "", "path to maxent.jar")
	pf.String("java-memory", "", "JVM heap for each fit, e.g. 2g")
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		os.Setenv("CONFIG_FILE", path)
	}

	s, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	applyFlags(cmd, &s)
	if err := s.Validate(); err != nil {
		return err
	}
	settings = s

	setupLogging(settings.LogLevel)
	return nil
}

// applyFlags copies explicitly set flags over the loaded settings.
func applyFlags(cmd *cobra.Command, s *cfg.Settings) {
	f := cmd.Flags()
	if f.Changed("log-level") {
		s.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("metrics-port") {
		s.MetricsPort, _ = f.GetInt("metrics-port")
	}
	if f.Changed("redis-addr") {
		s.RedisAddr, _ = f.GetString("redis-addr")
	}
	if f.Changed("queue") {
		s.Queue, _ = f.GetString("queue")
	}
	if f.Changed("workers") {
		s.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("jar") {
		s.MaxentJar, _ = f.GetString("jar")
	}
	if f.Changed("java-memory") {
		s.JavaMemory, _ = f.GetString("java-memory")
	}
	if f.Lookup("output") != nil && f.Changed("output") {
		s.OutputDir, _ = f.GetString("output")
	}
	if f.Lookup("trials") != nil && f.Changed("trials") {
		s.Trials, _ = f.GetInt("trials")
	}
	if f.Lookup("distributed") != nil && (f.Changed("distributed") || f.Changed("celery")) {
		s.Distributed = distributed
	}
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
