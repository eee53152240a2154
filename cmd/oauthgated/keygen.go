package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sequentops/integration-oauth/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate fresh signing and encryption keys",
	Long: `Generate a random state signing key and a base64-encoded AES-256
token encryption key, printed as environment variable assignments ready for
a .env file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		signing := make([]byte, 48)
		if _, err := rand.Read(signing); err != nil {
			return fmt.Errorf("generating signing key: %w", err)
		}

		encKey, err := security.GenerateEncryptionKey()
		if err != nil {
			return fmt.Errorf("generating encryption key: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "STATE_SIGNING_KEY=%s\n", base64.RawURLEncoding.EncodeToString(signing))
		fmt.Fprintf(out, "TOKEN_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(encKey))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
