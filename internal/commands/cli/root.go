// Package cli provides the CLI command structure for go_fcgid.
package cli

import (
	"fmt"
	"os"

	"github.com/andrei-cloud/go_fcgid/internal/config"
	"github.com/andrei-cloud/go_fcgid/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCommand creates and returns the root command with all subcommands.
func NewRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "go_fcgid",
		Short: "FastCGI script server with pooled interpreter states",
		Long: `A FastCGI daemon that keeps Lua, JavaScript and WASM scripts loaded
between requests and reloads them when their files change.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// Initialize configuration before running any command.
			if err := config.Initialize(cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg := config.Get()
			logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)

			return nil
		},
	}

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file (default is $HOME/.go_fcgid/config.yaml)")

	// Global flags that can override config file settings.
	rootCmd.PersistentFlags().
		String("log-level", "info", "logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "human", "logging format (human, json)")
	rootCmd.PersistentFlags().String("root", "", "document root holding the scripts")

	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"log.format":   "log-format",
		"monitor.root": "root",
	} {
		if err := config.BindFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if err := RegisterCommands(rootCmd); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	return rootCmd, nil
}
