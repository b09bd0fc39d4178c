package commands

import "github.com/spf13/cobra"

func (c *CLI) newStubAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stub-api",
		Short: "Serve a local stand-in for the remote API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.ServeStub(cmd.Context(), c.configPath)
		},
	}
}
