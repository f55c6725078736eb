package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/logger"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/version"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "mailbridge",
	Short: "Bridge events to SMTP and mailboxes to events",
	Long: `mailbridge delivers events as mail through pooled SMTP sessions and
polls IMAP or POP3 mailboxes, turning matching mail into events.

Sinks and sources are declared in a YAML definitions file.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPathFlag, "config", "c", "", "Definitions file (overrides MAILBRIDGE_CONFIG)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup reads the process environment and builds the logger.
func setup() (*config.AppConfig, *zap.Logger, error) {
	cfg, dotenv, err := config.InitAppConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if configPathFlag != "" {
		cfg.ConfigPath = configPathFlag
	}
	log, err := logger.New(&cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	if dotenv {
		log.Debug("loaded .env")
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
