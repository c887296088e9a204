package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trustvault",
	Short: "TrustVault - trust-gated knowledge store for AI agents",
	Long: `TrustVault keeps what AI agents write to memory behind a trust gate:
every record starts UNTRUSTED, a background validator classifies it as
VALIDATED, FLAGGED or QUARANTINED, and dangerous fragments of FLAGGED
records are encrypted so agents only ever read the sanitized text.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file (default: ./config.yaml or ./configs/config.yaml)")
}

func Execute() error {
	return rootCmd.Execute()
}
