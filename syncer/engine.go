package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prism-sync/domain"
	"prism-sync/localcache"
	"prism-sync/reminder"
)

// UserRegistrar is implemented by remote stores that must know an account
// before its collections can be written.
type UserRegistrar interface {
	RegisterUser(ctx context.Context, id domain.Identity) error
}

// Engine owns the session, both collections and the reminder scheduler.
// Mutations of one collection are serialized; login, logout and restore
// exclude every mutation until they finish.
type Engine struct {
	local      localcache.Store
	remote     RemoteStore
	scheduler  *reminder.Scheduler
	tasks      *Collection[domain.Task]
	activities *Collection[domain.Activity]
	logger     *log.Logger
	now        func() time.Time

	taskMu     sync.Mutex
	activityMu sync.Mutex

	mu      sync.RWMutex
	session domain.Session
}

// NewEngine wires the collections to local and rs. A nil scheduler gets a
// silent one.
func NewEngine(local localcache.Store, rs RemoteStore, scheduler *reminder.Scheduler, opts ...Option) *Engine {
	o := newOptions(opts)
	if scheduler == nil {
		scheduler = reminder.NewScheduler(nil, reminder.WithLogger(o.logger))
	}
	return &Engine{
		local:      local,
		remote:     rs,
		scheduler:  scheduler,
		tasks:      NewTaskCollection(local, rs, opts...),
		activities: NewActivityCollection(local, rs, opts...),
		logger:     o.logger,
		now:        o.now,
	}
}

// Session returns the current session snapshot.
func (e *Engine) Session() domain.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// Backend returns the authoritative backend of the current session.
func (e *Engine) Backend() Backend {
	return AuthoritativeBackend(e.Session())
}

// Tasks returns the current task list.
func (e *Engine) Tasks() []domain.Task { return e.tasks.Items() }

// Activities returns the current activity list.
func (e *Engine) Activities() []domain.Activity { return e.activities.Items() }

// Scheduler returns the reminder scheduler driven by the engine.
func (e *Engine) Scheduler() *reminder.Scheduler { return e.scheduler }

// Restore picks up the identity persisted by a previous login and loads
// both collections from the authoritative backend. Device records left
// behind by a failed merge are merged again first. A persisted identity
// that cannot be read is removed and the session stays anonymous.
func (e *Engine) Restore(ctx context.Context) (domain.Session, error) {
	e.lockAll()
	defer e.unlockAll()

	sess, err := e.readPersistedSession()
	if err != nil {
		return domain.Session{}, err
	}
	e.setSession(sess)
	e.logger.WithFields(log.Fields{
		"backend": AuthoritativeBackend(sess).String(),
		"user":    sess.UserID(),
	}).Debug("session restored")
	if sess.Anonymous() {
		return sess, e.refreshLocked(ctx, sess)
	}
	taskErr, activityErr := e.migrateLocked(ctx, sess)
	return sess, errors.Join(taskErr, activityErr)
}

// Login switches the session to id and merges the anonymous device records
// into the account, once per collection. A failed merge leaves the device
// records in place so the next login retries it.
func (e *Engine) Login(ctx context.Context, id domain.Identity) error {
	if !domain.ValidID(id.UserID) || id.Token == "" {
		return fmt.Errorf("login: %w", ErrNotAuthenticated)
	}
	if reg, ok := e.remote.(UserRegistrar); ok {
		if err := reg.RegisterUser(ctx, id); err != nil {
			return translate("register user", err)
		}
	}

	e.lockAll()
	defer e.unlockAll()

	sess := domain.Authenticated(id)
	e.setSession(sess)
	persistErr := e.persistIdentity(id)
	if persistErr != nil {
		e.logger.WithError(persistErr).Warn("identity not persisted")
	}

	taskErr, activityErr := e.migrateLocked(ctx, sess)
	e.logger.WithFields(log.Fields{
		"user":       id.UserID,
		"tasks":      len(e.tasks.Items()),
		"activities": len(e.activities.Items()),
	}).Info("logged in")
	return errors.Join(taskErr, activityErr, persistErr)
}

// migrateLocked merges both collections into the account of sess. With
// nothing left on the device it is a plain load.
func (e *Engine) migrateLocked(ctx context.Context, sess domain.Session) (taskErr, activityErr error) {
	var g errgroup.Group
	g.Go(func() error {
		_, taskErr = e.tasks.Migrate(ctx, sess)
		return taskErr
	})
	g.Go(func() error {
		_, activityErr = e.activities.Migrate(ctx, sess)
		return activityErr
	})
	_ = g.Wait()
	e.syncReminders(ctx, e.tasks.Items())
	return taskErr, activityErr
}

// Logout drops the identity, empties both lists and cancels every reminder.
func (e *Engine) Logout(ctx context.Context) error {
	e.lockAll()
	defer e.unlockAll()

	user := e.Session().UserID()
	e.setSession(domain.Session{})
	e.scheduler.CancelAll()
	e.tasks.Reset()
	e.activities.Reset()

	err := errors.Join(
		translate("forget user", e.local.RemoveItem(localcache.UserKey)),
		translate("forget token", e.local.RemoveItem(localcache.TokenKey)),
	)
	e.logger.WithField("user", user).Info("logged out")
	return err
}

// Refresh reloads both collections for the current session.
func (e *Engine) Refresh(ctx context.Context) error {
	e.lockAll()
	defer e.unlockAll()
	return e.refreshLocked(ctx, e.Session())
}

func (e *Engine) refreshLocked(ctx context.Context, sess domain.Session) error {
	var g errgroup.Group
	var taskErr, activityErr error
	g.Go(func() error {
		_, taskErr = e.tasks.Load(ctx, sess)
		return taskErr
	})
	g.Go(func() error {
		_, activityErr = e.activities.Load(ctx, sess)
		return activityErr
	})
	err := g.Wait()
	e.syncReminders(ctx, e.tasks.Items())
	if err != nil {
		return errors.Join(taskErr, activityErr)
	}
	return nil
}

func (e *Engine) readPersistedSession() (domain.Session, error) {
	rawUser, hasUser, err := e.local.GetItem(localcache.UserKey)
	if err != nil {
		return domain.Session{}, translate("read user", err)
	}
	token, hasToken, err := e.local.GetItem(localcache.TokenKey)
	if err != nil {
		return domain.Session{}, translate("read token", err)
	}
	if !hasUser && !hasToken {
		return domain.Session{}, nil
	}

	var id domain.Identity
	if hasUser && hasToken && token != "" {
		if err := sonic.UnmarshalString(rawUser, &id); err != nil {
			e.logger.WithError(err).Warn("persisted identity unreadable")
			id = domain.Identity{}
		}
	}
	if !domain.ValidID(id.UserID) {
		e.logger.Warn("discarding incomplete persisted identity")
		if err := errors.Join(
			translate("forget user", e.local.RemoveItem(localcache.UserKey)),
			translate("forget token", e.local.RemoveItem(localcache.TokenKey)),
		); err != nil {
			e.logger.WithError(err).Warn("persisted identity not removed")
		}
		return domain.Session{}, nil
	}
	id.Token = token
	return domain.Authenticated(id), nil
}

func (e *Engine) persistIdentity(id domain.Identity) error {
	data, err := sonic.MarshalString(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	return errors.Join(
		translate("persist user", e.local.SetItem(localcache.UserKey, data)),
		translate("persist token", e.local.SetItem(localcache.TokenKey, id.Token)),
	)
}

// syncReminders brings the scheduler in line with tasks.
func (e *Engine) syncReminders(ctx context.Context, tasks []domain.Task) {
	now := e.now()
	for _, t := range tasks {
		if t.ReminderDue(now) {
			e.scheduler.RequestPermission(ctx)
			break
		}
	}
	armed, cancelled := e.scheduler.Reconcile(tasks)
	if armed > 0 || cancelled > 0 {
		e.logger.WithFields(log.Fields{"armed": armed, "cancelled": cancelled}).Debug("reminders reconciled")
	}
}

func (e *Engine) setSession(s domain.Session) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

func (e *Engine) lockAll() {
	e.taskMu.Lock()
	e.activityMu.Lock()
}

func (e *Engine) unlockAll() {
	e.activityMu.Unlock()
	e.taskMu.Unlock()
}
