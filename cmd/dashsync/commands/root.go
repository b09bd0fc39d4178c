// Package commands implements the dashsync command line.
package commands

import (
	"context"
	"io"

	"github.com/erp/dashsync/internal/app"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// Application is what the commands drive
type Application interface {
	Login(ctx context.Context, opts app.LoginOptions) error
	Logout(ctx context.Context, configPath string) error
	Watch(ctx context.Context, opts app.WatchOptions) error
	ServeStub(ctx context.Context, configPath string) error
}

// CLI is the dashsync command tree
type CLI struct {
	app        Application
	rootCmd    *cobra.Command
	configPath string
}

// New creates the command tree around a
func New(a Application) *CLI {
	rootCmd := &cobra.Command{
		Use:           "dashsync",
		Short:         "Keep dashboard counters and activity flags in sync with the API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	c := &CLI{app: a, rootCmd: rootCmd}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config-dir", "c", "",
		"Directory containing config.toml")

	rootCmd.AddCommand(c.newWatchCmd())
	rootCmd.AddCommand(c.newLoginCmd())
	rootCmd.AddCommand(c.newLogoutCmd())
	rootCmd.AddCommand(c.newStubAPICmd())
	rootCmd.AddCommand(c.newVersionCmd())
	return c
}

// Execute runs the command selected by the arguments
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}
