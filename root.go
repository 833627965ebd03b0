package main

import (
	"fmt"
	"os"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "mobileproxy",
	Short: "Route HTTP streams through a configurable proxy",
	Long: `mobileproxy runs the proxy engine outside of an app.

The engine resolves the proxy host in the background, routes streams of the
configured scheme through the proxy and everything else directly.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := loadEnvFile(envFile); err != nil {
				return fmt.Errorf("failed to load envfile: %w", err)
			}
			logger.Info("Loaded environment variables from %s", envFile)
		}
		if debug {
			logger.SetLevel(logger.DEBUG)
			logger.Debug("Debug logging enabled")
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (.json, .hcl, .yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "envfile", "", "env file to load before reading the configuration")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig reads the config file, or only the environment when no file
// was given.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		logger.Debug("Using configuration file: %s", cfgFile)
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.LogLevel = config.LogLevelDebug
	}
	return cfg, nil
}
