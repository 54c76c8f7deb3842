package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qudata/browserd/internal/config"
)

func main() {
	serve := newServeCmd()

	rootCmd := &cobra.Command{
		Use:   "browserd",
		Short: "Browser instance provisioning service for end-to-end tests",
		Long: `browserd hands out isolated Chromium instances to concurrent test runners.
Each instance listens on its own port from a configured range and is reached
through the DevTools websocket endpoint returned by POST /instance.`,
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	// Add subcommands
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
