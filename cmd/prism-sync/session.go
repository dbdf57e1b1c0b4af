package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"prism-sync/domain"
)

func (c *cli) loginCmd() *cobra.Command {
	var id domain.Identity
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and merge this device's records into the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id.Token == "" {
				id.Token = c.v.GetString("token")
			}
			if id.UserID == "" || id.Token == "" {
				return errors.New("--user and --token (or PRISM_SYNC_TOKEN) are required")
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				err := a.engine.Login(ctx, id)
				fmt.Fprintf(c.out, "signed in as %s: %d tasks, %d activities\n",
					id.UserID, len(a.engine.Tasks()), len(a.engine.Activities()))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id.UserID, "user", "", "account id")
	cmd.Flags().StringVar(&id.Token, "token", "", "bearer token")
	cmd.Flags().StringVar(&id.Email, "email", "", "account email")
	cmd.Flags().StringVar(&id.Username, "username", "", "display name")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; device records stay where the last merge left them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				if err := a.engine.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "signed out")
				return nil
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session, backend and collection sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, a *app) error {
				sess := a.engine.Session()
				user := sess.UserID()
				if user == "" {
					user = "(anonymous)"
				}
				fmt.Fprintf(c.out, "user:       %s\n", user)
				fmt.Fprintf(c.out, "backend:    %s\n", a.engine.Backend())
				fmt.Fprintf(c.out, "cache:      %s\n", c.cfg.Cache.Backend)
				fmt.Fprintf(c.out, "tasks:      %d\n", len(a.engine.Tasks()))
				fmt.Fprintf(c.out, "activities: %d\n", len(a.engine.Activities()))
				fmt.Fprintf(c.out, "reminders:  %d\n", len(a.engine.Scheduler().Pending()))
				return nil
			})
		},
	}
}
