package commands

import (
	"github.com/erp/dashsync/internal/app"
	"github.com/spf13/cobra"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll notification counts and activity flags, printing every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			once, _ := cmd.Flags().GetBool("once")
			return c.app.Watch(cmd.Context(), app.WatchOptions{
				ConfigPath: c.configPath,
				Once:       once,
			})
		},
	}
	cmd.Flags().Bool("once", false, "Refresh once, print, and exit")
	return cmd
}
