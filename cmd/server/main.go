// Command approvald runs the approval workflow service and its maintenance
// tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-wf-approvals/internal/config"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "approvald",
	Short: "Approval workflow engine",
	Long: `approvald serves the approval workflow API and administers its configuration.

Examples:
  approvald serve                              # HTTP + gRPC + websocket
  approvald migrate                            # apply database migrations
  approvald rules import --file it-rules.yaml  # load a category's rule set
  approvald act --user 2 --action approve --ids 41,42`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(actCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the logger every command
// starts from.
func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}
