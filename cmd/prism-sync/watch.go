package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"prism-sync/domain"
)

// streamRetry is the pause before reopening a dropped change stream.
const streamRetry = 5 * time.Second

func (c *cli) watchCmd() *cobra.Command {
	var (
		interval, duration time.Duration
		live               bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay running to deliver reminders, refreshing from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			cmd.SetContext(ctx)

			return c.run(cmd, func(ctx context.Context, a *app) error {
				fmt.Fprintf(c.out, "watching %d reminders\n", len(a.engine.Scheduler().Pending()))

				changes := make(chan domain.ChangeEvent, 1)
				if session := a.engine.Session(); live && !session.Anonymous() {
					go c.follow(ctx, a, *session.Identity, changes)
				}

				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev := <-changes:
						c.logger.WithField("collection", ev.Collection).Debug("remote change")
						c.refresh(ctx, a)
					case <-ticker.C:
						c.refresh(ctx, a)
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "how often to refresh from the server")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (default: until interrupted)")
	cmd.Flags().BoolVar(&live, "live", true, "refresh as soon as the server reports a change")
	return cmd
}

func (c *cli) refresh(ctx context.Context, a *app) {
	if a.engine.Session().Anonymous() {
		return
	}
	if err := a.engine.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("refresh failed")
	}
}

// follow keeps a change stream open for id, reconnecting until ctx is done.
func (c *cli) follow(ctx context.Context, a *app, id domain.Identity, out chan<- domain.ChangeEvent) {
	for ctx.Err() == nil {
		err := a.client.WatchChanges(ctx, id, func(ev domain.ChangeEvent) {
			select {
			case out <- ev:
			default:
			}
		})
		if err != nil {
			c.logger.WithError(err).Debug("change stream closed")
		}
		select {
		case <-ctx.Done():
		case <-time.After(streamRetry):
		}
	}
}
