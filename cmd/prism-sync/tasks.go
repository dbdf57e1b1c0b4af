package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"prism-sync/domain"
)

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task", "t"},
		Short:   "List and change tasks",
	}
	cmd.AddCommand(
		c.tasksListCmd(),
		c.tasksAddCmd(),
		c.tasksDoneCmd(),
		c.tasksRemoveCmd(),
		c.tasksEditCmd(),
		c.tasksSetCmd(),
		c.tasksMoveCmd(),
		c.tasksClearCmd(),
		c.tasksClearCompletedCmd(),
		c.tasksResetCmd(),
		c.tasksOverdueCmd(),
	)
	return cmd
}

func (c *cli) tasksListCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, a *app) error {
				tasks := a.engine.Tasks()
				if pending {
					tasks = filterTasks(tasks, func(t domain.Task) bool { return !t.Completed })
				}
				printTasks(c.out, tasks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "hide completed tasks")
	return cmd
}

func (c *cli) tasksAddCmd() *cobra.Command {
	var category, remind string
	cmd := &cobra.Command{
		Use:   "add TEXT...",
		Short: "Add a task, optionally with a reminder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseWhen(remind, time.Now())
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				t, err := a.engine.AddTask(ctx, strings.Join(args, " "), category, when)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "added %s\n", t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "task category (default general)")
	cmd.Flags().StringVar(&remind, "remind", "", "reminder moment: RFC 3339, \"2006-01-02 15:04\" or a duration like 30m")
	return cmd
}

func (c *cli) tasksDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done ID",
		Short: "Toggle a task between open and completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveID(a.engine.Tasks(), args[0])
				if err != nil {
					return err
				}
				t, err := a.engine.ToggleTask(ctx, id)
				if err != nil {
					return err
				}
				state := "open"
				if t.Completed {
					state = "completed"
				}
				fmt.Fprintf(c.out, "%s is %s\n", t.ID, state)
				return nil
			})
		},
	}
}

func (c *cli) tasksRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID",
		Aliases: []string{"delete"},
		Short:   "Delete a task and cancel its reminder",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveID(a.engine.Tasks(), args[0])
				if err != nil {
					return err
				}
				if err := a.engine.DeleteTask(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "deleted %s\n", id)
				return nil
			})
		},
	}
}

func (c *cli) tasksEditCmd() *cobra.Command {
	var category, remind string
	cmd := &cobra.Command{
		Use:   "edit ID TEXT...",
		Short: "Change the text, category or reminder of a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			var when *time.Time
			if cmd.Flags().Changed("remind") {
				var err error
				if when, err = parseWhen(remind, time.Now()); err != nil {
					return err
				}
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveID(a.engine.Tasks(), args[0])
				if err != nil {
					return err
				}
				var t domain.Task
				if cmd.Flags().Changed("remind") {
					t, err = a.engine.EditTaskWithNotification(ctx, id, text, when)
				} else {
					t, err = a.engine.EditTask(ctx, id, text, category)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "updated %s\n", t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "new category (kept when empty)")
	cmd.Flags().StringVar(&remind, "remind", "", "new reminder moment; an empty value clears it")
	return cmd
}

func (c *cli) tasksSetCmd() *cobra.Command {
	var priority, tags, due string
	cmd := &cobra.Command{
		Use:   "set ID",
		Short: "Set priority, tags and due date of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueAt, err := parseWhen(due, time.Now())
			if err != nil {
				return err
			}
			var tagList []string
			for _, tag := range strings.Split(tags, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					tagList = append(tagList, tag)
				}
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveID(a.engine.Tasks(), args[0])
				if err != nil {
					return err
				}
				t, err := a.engine.SetTaskDetails(ctx, id, priority, tagList, dueAt)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "updated %s\n", t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated tags")
	cmd.Flags().StringVar(&due, "due", "", "due moment")
	return cmd
}

func (c *cli) tasksMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move FROM TO",
		Short: "Move the task at position FROM to position TO (1-based)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[0])
			}
			to, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[1])
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				tasks, err := a.engine.ReorderTasks(ctx, from-1, to-1)
				if err != nil {
					return err
				}
				printTasks(c.out, tasks)
				return nil
			})
		},
	}
}

func (c *cli) tasksClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				return a.engine.ClearTasks(ctx)
			})
		},
	}
}

func (c *cli) tasksClearCompletedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-completed",
		Short: "Delete completed tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				n, err := a.engine.RemoveCompleted(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "removed %d completed tasks\n", n)
				return nil
			})
		},
	}
}

func (c *cli) tasksResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every task and drop the device-local task list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				return a.engine.ResetTasks(ctx)
			})
		},
	}
}

func (c *cli) tasksOverdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List open tasks whose reminder moment has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(_ context.Context, a *app) error {
				printTasks(c.out, a.engine.OverdueTasks())
				return nil
			})
		},
	}
}

func printTasks(w io.Writer, tasks []domain.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, t := range tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		var extra []string
		if t.Priority != "" {
			extra = append(extra, "priority:"+t.Priority)
		}
		if len(t.Tags) > 0 {
			extra = append(extra, "tags:"+strings.Join(t.Tags, ","))
		}
		if t.NotificationTime != nil {
			extra = append(extra, "remind:"+t.NotificationTime.Local().Format("2006-01-02 15:04"))
		}
		if t.DueDate != nil {
			extra = append(extra, "due:"+t.DueDate.Local().Format("2006-01-02"))
		}
		fmt.Fprintf(tw, "%d\t[%s]\t%s\t%s\t%s\t%s\n", i+1, mark, shortID(t.ID), t.Content(), t.Category, strings.Join(extra, " "))
	}
	_ = tw.Flush()
}

func filterTasks(tasks []domain.Task, keep func(domain.Task) bool) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveID accepts a full id or an unambiguous prefix of one.
func resolveID[T domain.Record](records []T, arg string) (string, error) {
	var match string
	for _, r := range records {
		id := r.RecordID()
		if id == arg {
			return id, nil
		}
		if strings.HasPrefix(id, arg) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", arg)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("no record matches %q", arg)
	}
	return match, nil
}

// parseWhen reads an absolute moment or a duration from now. An empty
// value means no moment.
func parseWhen(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d)
		return &t, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse time %q", s)
}
