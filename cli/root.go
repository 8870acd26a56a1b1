// Package cli wires the pipeline binaries into one cobra command tree.
// Every service of the system runs from the same binary: stage workers,
// the ingress gateway, the back-office API, the SLA monitor and the
// schema migrator. Which service a container runs is selected by the
// subcommand, so a deployment ships a single image.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/config"
)

// cfgFile holds the path given via --config. When empty, config.yaml is
// searched in ., ./configs and /etc/docproc.
var cfgFile string

// RootCmd is the entry point for every pipeline service.
var RootCmd = &cobra.Command{
	Use:   "docproc",
	Short: "distributed document-processing pipeline",
	Long: `docproc runs the services of the document-processing pipeline.

Documents enter through the gateway, are split into pages, OCRed,
classified and grouped into documents, have their fields extracted and
are consolidated into a final result. Low-confidence steps are diverted
to human operators through the back-office API, and the SLA monitor
marks requests that miss their deadline.

Configuration comes from config.yaml, a .env file and DOCPROC_-prefixed
environment variables, in increasing order of precedence.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./config.yaml, ./configs/config.yaml, /etc/docproc/config.yaml)")
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings loads the configuration and applies the logging setup so
// every subcommand logs consistently from its first line.
func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogging(settings.LogFormat, settings.LogLevel)
	return settings, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, driving
// the graceful shutdown of whatever the subcommand runs.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
