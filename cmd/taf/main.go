package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"taf/internal/config"
	"taf/internal/logging"
)

var (
	// Global flags
	verbose bool
	timeout time.Duration

	// Loaded configuration
	conf *config.Config
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "taf",
	Short: "taf - authentication repository management",
	Long: `taf creates, maintains, updates and validates authentication
repositories: git repositories whose committed content is signed metadata
plus target files that pin commits of other git repositories.

Signing keys live in keystore files or on YubiKeys; every commit of an
authentication repository carries a consistent, threshold-signed metadata
set that clients validate before trusting the pinned repositories.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(config.Home(), verbose); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		var err error
		conf, err = config.LoadDefault()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(keystoreCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(yubikeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
