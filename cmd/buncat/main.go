package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "buncat",
	Short:         "Transactional catalog engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, shellCmd, catalogsCmd, walCmd)
}

// loadConfig applies command-line overrides on top of config.Load.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, logger.New(os.Stderr, logger.ParseLevel(cfg.Log.Level), "buncat"), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
