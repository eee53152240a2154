package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the oauthgated daemon.
var rootCmd = &cobra.Command{
	Use:   "oauthgated",
	Short: "OAuth callback security and integration token lifecycle daemon",
	Long: `oauthgated terminates third-party OAuth callbacks for tenant integrations.

It serves the unauthenticated provider callback behind a chain of security
checks (signed state, integration ownership, redirect URI policy, PKCE),
exchanges authorization codes for tokens, stores them encrypted, and exposes
authenticated management routes for connecting, refreshing, and disconnecting
integrations.

Configuration comes from the environment (a .env file is loaded when
present); see 'oauthgated serve --help' for the variables.`,
	SilenceUsage: true,
}

// Execute runs the CLI and exits non-zero on error.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "oauthgated version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
