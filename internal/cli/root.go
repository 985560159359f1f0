// Package cli wires the working-memory command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/working-memory/internal/config"
	"github.com/xiy/working-memory/internal/memory"
	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/internal/workingmemory"
)

const defaultConfigPath = "config/working-memory.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "working-memory",
	Short:         "Trial buffer that promotes or fades knowledge items for AI agents",
	Long:          "working-memory holds new knowledge items on trial, scores their use, and promotes them to long-term memory or fades them to a dormant archive.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(bootstrapCmd)
}

// runtime is the opened stack shared by subcommands.
type runtime struct {
	cfg    config.Config
	logger *log.Logger
	store  *store.SQLiteStore
	svc    *memory.Service
}

func (r *runtime) Close() error {
	return r.store.Close()
}

func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)
	return logger
}

func open(ctx context.Context, opts ...memory.Option) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	engine, err := workingmemory.New(cfg.Tables(), cfg.Params())
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	svc, err := memory.NewService(st, engine, cfg, logger, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, store: st, svc: svc}, nil
}

func setLogLevel(logger *log.Logger, level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
