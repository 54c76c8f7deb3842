package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qudata/browserd/internal/config"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "browserd %s (built %s)\n", config.Version, config.BuildTime)
		},
	}
}
