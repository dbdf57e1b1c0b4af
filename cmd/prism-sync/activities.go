package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"prism-sync/domain"
)

var weekOrder = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func (c *cli) activitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "activities",
		Aliases: []string{"activity", "a"},
		Short:   "List and change weekly activities",
	}
	cmd.AddCommand(c.activitiesListCmd(), c.activitiesAddCmd(), c.activitiesRemoveCmd())
	return cmd
}

func (c *cli) activitiesListCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities by day, earliest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if day != "" && !domain.IsWeekday(day) {
				return fmt.Errorf("unknown day %q", day)
			}
			return c.run(cmd, func(_ context.Context, a *app) error {
				days := weekOrder
				if day != "" {
					days = []string{day}
				}
				var listed int
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				for _, d := range days {
					for _, act := range a.engine.ActivitiesForDay(d) {
						printActivity(tw, act)
						listed++
					}
				}
				_ = tw.Flush()
				if listed == 0 {
					fmt.Fprintln(c.out, "no activities")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "only this weekday")
	return cmd
}

func (c *cli) activitiesAddCmd() *cobra.Command {
	var day, clock, due string
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Plan an activity on a weekday",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueAt, err := parseWhen(due, time.Now())
			if err != nil {
				return err
			}
			var dueDate time.Time
			if dueAt != nil {
				dueDate = *dueAt
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				act, err := a.engine.AddActivity(ctx, args[0], day, clock, dueDate)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "added %s\n", act.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "weekday name, e.g. Monday")
	cmd.Flags().StringVar(&clock, "time", "", "time of day as HH:MM")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	return cmd
}

func (c *cli) activitiesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Delete an activity",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveID(a.engine.Activities(), args[0])
				if err != nil {
					return err
				}
				if err := a.engine.DeleteActivity(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "deleted %s\n", id)
				return nil
			})
		},
	}
}

func printActivity(w io.Writer, a domain.Activity) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\tdue:%s\n", a.Day, a.Time, shortID(a.ID), a.Title, a.DueDate.Local().Format("2006-01-02"))
}
