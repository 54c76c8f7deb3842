package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qudata/browserd/internal/browser"
)

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download the Playwright-managed Chromium",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := browser.Install(); err != nil {
				return err
			}
			exe, err := browser.PlaywrightExecutable(false)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "chromium installed:", exe)
			return nil
		},
	}
}
