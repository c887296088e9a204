package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-trustvault/internal/infra/auth"
)

var (
	tokenKeyPath string
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an RS256 operator token for the Console API",
	Long: `Sign an operator token with a private RSA key. Intended for test stands and
automation; production installations verify tokens from an external IdP.

  trustvault token --key ./keys/private.pem --subject alice --scopes records.read,vault.reveal`,
	RunE: tokenCommand,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenKeyPath, "key", "", "Path to RSA private key PEM (or AUTH_PRIVATE_KEY_DATA)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator id placed in the token")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scopes", []string{auth.ScopeRecordsRead}, "Comma-separated scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func tokenCommand(cmd *cobra.Command, args []string) error {
	data := []byte(os.Getenv("AUTH_PRIVATE_KEY_DATA"))
	if len(data) == 0 {
		if tokenKeyPath == "" {
			return fmt.Errorf("private key is required (--key or AUTH_PRIVATE_KEY_DATA)")
		}
		var err error
		if data, err = os.ReadFile(tokenKeyPath); err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
	}
	key, err := auth.ParseRSAPrivateKey(data)
	if err != nil {
		return err
	}

	resp, err := auth.NewIssuer(key).Issue(tokenSubject, tokenScopes, tokenTTL)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
