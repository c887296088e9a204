package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var validateOnceCmd = &cobra.Command{
	Use:   "validate-once",
	Short: "Run a single validator pass over UNTRUSTED records",
	Long: `Run one background-validator pass and print its report as JSON.
Useful when the validator is disabled in config: records stay UNTRUSTED
until a pass classifies them.

  trustvault validate-once`,
	RunE: validateOnceCommand,
}

func init() {
	rootCmd.AddCommand(validateOnceCmd)
}

func validateOnceCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.validator.RunOnce(ctx)
	if err != nil {
		logger.Error("validation pass failed", zap.Error(err))
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
