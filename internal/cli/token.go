package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tranche-ledger/internal/app"
)

var (
	tokenSubject string
	tokenAdmin   bool
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSubject == "" {
			return fmt.Errorf("--subject must be provided")
		}
		return getApp().Token(app.TokenOptions{
			Subject: tokenSubject,
			Admin:   tokenAdmin,
			TTL:     tokenTTL,
		}, cmd.OutOrStdout())
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Account the token acts as")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant the ledger:admin scope")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to api.token_ttl)")
}
