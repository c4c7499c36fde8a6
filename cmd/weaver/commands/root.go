// Package commands implements the CLI commands for weaver.
package commands

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alvmarrod/shelf-weaver/internal/config"
	"github.com/alvmarrod/shelf-weaver/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "weaver",
	Short: "Adaptive product extraction and price trend tracking",
	Long: `Weaver extracts product records from e-commerce listing pages, learns
per-site extraction rules, and compares each run against earlier snapshots
to surface new, missing and re-priced products.

Examples:
  # Extract a listing and compare with the previous run
  weaver run https://shop.example.com/laptops

  # Use headless Chrome and a config file
  weaver run --config weaver.yaml --fetch-mode dynamic

  # List stored sources, then show the latest diff of one
  weaver diff
  weaver diff 3f9a1c0b7d2e4a65 --format yaml

  # Inspect learned site profiles
  weaver profiles`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initLogging)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (json or yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "log in JSON format")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(runCmd, diffCmd, profilesCmd)
}

func initLogging() {
	logrus.SetLevel(logrus.InfoLevel)
	if viper.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if viper.GetBool("log_json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// loadConfig reads the configuration with flags bound to the global viper
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		logError("%v", err)
		return err
	}
	return nil
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
