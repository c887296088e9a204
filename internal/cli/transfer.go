package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Move records between installations",
}

var transferPullCmd = &cobra.Command{
	Use:   "pull <record-id>",
	Short: "Import a record from the configured peer installation",
	Long: `Fetch the record envelope from the peer Console API, re-key its vaulted
patterns over the key channel and store it locally. Dangerous fragments are
never decrypted on the way.

  trustvault transfer pull 6f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: transferPullCommand,
}

func init() {
	transferCmd.AddCommand(transferPullCmd)
	rootCmd.AddCommand(transferCmd)
}

func transferPullCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	if !cfg.Transfer.PeerConfigured() {
		return errors.New("transfer peer is not configured (transfer.peer_grpc_addr, transfer.peer_console_url)")
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

	rec, err := rt.puller.Pull(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("imported %s: %s, %d vaulted pattern(s)\n", rec.ID, rec.TrustLevel, len(rec.VaultedPatterns))
	return nil
}
