package commands

import (
	"errors"
	"os"

	"github.com/erp/dashsync/internal/app"
	"github.com/spf13/cobra"
)

const passwordEnv = "DASHSYNC_PASSWORD"

func (c *CLI) newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the bearer token for later runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv(passwordEnv)
			}
			if password == "" {
				return errors.New("password is required (--password or " + passwordEnv + ")")
			}
			return c.app.Login(cmd.Context(), app.LoginOptions{
				ConfigPath: c.configPath,
				Username:   username,
				Password:   password,
			})
		},
	}
	cmd.Flags().StringP("username", "u", "", "Account username")
	cmd.Flags().StringP("password", "p", "", "Account password (defaults to $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (c *CLI) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Logout(cmd.Context(), c.configPath)
		},
	}
}
