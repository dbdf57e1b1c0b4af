package main

import (
	"context"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"prism-sync/reminder"
	"prism-sync/remote"
	"prism-sync/syncer"
)

// cli holds the state shared by every subcommand of one invocation.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	cfg    Config
	logger *log.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:   "prism-sync",
		Short: "Manage tasks and weekly activities, offline or synced to an account",
		Long: `prism-sync keeps a to-do list and a weekly activity planner.

Without a login every change is kept in the device-local cache. After
"prism-sync login" the remote server becomes authoritative and the records
created on this device are merged into the account once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.configure(cmd)
		},
	}
	root.SetOut(out)

	f := root.PersistentFlags()
	f.String("config", "", "config file (default $XDG_CONFIG_HOME/prism-sync/config.yaml)")
	f.String("api-url", "", "base URL of the sync server")
	f.String("cache", "", "local cache backend: file, sqlite, redis or memory")
	f.String("cache-dir", "", "directory of the file cache")
	f.Bool("debug", false, "enable debug logging")
	_ = c.v.BindPFlag("api_url", f.Lookup("api-url"))
	_ = c.v.BindPFlag("cache.backend", f.Lookup("cache"))
	_ = c.v.BindPFlag("cache.dir", f.Lookup("cache-dir"))
	_ = c.v.BindPFlag("debug", f.Lookup("debug"))

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.tasksCmd(),
		c.activitiesCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) configure(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(c.v, configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.logger = log.New()
	c.logger.SetOutput(cmd.ErrOrStderr())
	c.logger.SetLevel(log.WarnLevel)
	if cfg.Debug {
		c.logger.SetLevel(log.DebugLevel)
	}
	return nil
}

// app is an opened engine plus the resources backing it.
type app struct {
	engine *syncer.Engine
	client *remote.Client
	close  func() error
}

// open builds the engine and restores the persisted session.
func (c *cli) open(ctx context.Context) (*app, error) {
	store, closeStore, err := openStore(c.cfg.Cache)
	if err != nil {
		return nil, err
	}

	client := remote.New(c.cfg.APIURL,
		remote.WithLogger(c.logger),
		remote.WithTimeout(c.cfg.RequestTimeout),
	)
	scheduler := reminder.NewScheduler(c.notifier(), reminder.WithLogger(c.logger))
	engine := syncer.NewEngine(store, client, scheduler, syncer.WithLogger(c.logger))

	if _, err := engine.Restore(ctx); err != nil {
		// An unreachable server still leaves a usable, empty session.
		if !errors.Is(err, syncer.ErrRemoteUnavailable) && !errors.Is(err, syncer.ErrRemoteRejected) {
			_ = closeStore()
			return nil, err
		}
		c.logger.WithError(err).Warn("could not load collections")
	}
	return &app{engine: engine, client: client, close: closeStore}, nil
}

func (c *cli) notifier() reminder.Notifier {
	if c.cfg.Notifier == "log" {
		return reminder.LogNotifier{Logger: c.logger}
	}
	return reminder.NewWriterNotifier(c.out)
}

// run opens the app for the duration of fn.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		a.engine.Scheduler().CancelAll()
		if cerr := a.close(); cerr != nil {
			c.logger.WithError(cerr).Warn("close local cache")
		}
	}()
	return fn(ctx, a)
}
