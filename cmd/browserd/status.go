package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qudata/browserd/pkg/client"
)

func newStatusCmd() *cobra.Command {
	var baseURL, token string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and active instances of a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				baseURL = client.BaseURLFromEnv()
			}
			c := client.New(baseURL, client.WithToken(token))

			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			ctxs, err := c.Contexts(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:    %s\n", h.Status)
			fmt.Fprintf(out, "instances: %d\n", ctxs.Count)
			fmt.Fprintf(out, "ports:     %s\n", joinPorts(ctxs.UsedPorts))
			for _, id := range ctxs.ActiveContexts {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "service base URL (default from DOCKER/API_BASE_URL)")
	cmd.Flags().StringVar(&token, "token", "", "API token")

	return cmd
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ", ")
}
