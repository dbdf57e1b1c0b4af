// Package reminder arms one cancellable timer per task and raises an alert
// when it fires.
package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

const notifyTimeout = 10 * time.Second

type handle struct {
	taskID  string
	content string
	at      time.Time
	stop    func() bool
}

// Scheduler owns the handle table. At most one handle exists per task id
// and a handle fires at most once.
type Scheduler struct {
	clock    Clock
	notifier Notifier
	logger   *log.Logger

	permOnce  sync.Once
	permitted bool

	mu      sync.Mutex
	handles map[string]*handle
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler returns a scheduler delivering alerts through n.
func NewScheduler(n Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    SystemClock{},
		notifier: n,
		logger:   log.StandardLogger(),
		handles:  make(map[string]*handle),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	return s
}

// RequestPermission asks the host once and caches the answer for the
// lifetime of the scheduler.
func (s *Scheduler) RequestPermission(ctx context.Context) bool {
	s.permOnce.Do(func() {
		granted := s.notifier != nil
		if p, ok := s.notifier.(Permitter); ok {
			var err error
			granted, err = p.RequestPermission(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("notification permission request failed")
				granted = false
			}
		}
		s.mu.Lock()
		s.permitted = granted
		s.mu.Unlock()
		s.logger.WithField("granted", granted).Info("notification permission resolved")
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permitted
}

// Schedule arms a reminder for taskID at when, replacing any existing one.
// A moment that is not strictly in the future leaves no handle behind.
func (s *Scheduler) Schedule(content string, when time.Time, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(taskID)
	return s.armLocked(taskID, content, when)
}

// Cancel drops the handle of taskID if one exists.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(taskID)
}

// CancelAll drops every live handle.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.handles)
	for id := range s.handles {
		s.cancelLocked(id)
	}
	if n > 0 {
		s.logger.WithField("count", n).Debug("all reminders cancelled")
	}
}

// Reconcile brings the handle table in line with tasks: handles for tasks
// that no longer want a reminder, or whose moment or content changed, are
// cancelled; missing ones are armed. Unchanged handles are left alone.
func (s *Scheduler) Reconcile(tasks []domain.Task) (armed, cancelled int) {
	now := s.clock.Now()
	type want struct {
		content string
		at      time.Time
	}
	desired := make(map[string]want, len(tasks))
	for _, t := range tasks {
		if t.ReminderDue(now) {
			desired[t.ID] = want{content: t.Content(), at: *t.NotificationTime}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		w, ok := desired[id]
		if ok && w.at.Equal(h.at) && w.content == h.content {
			delete(desired, id)
			continue
		}
		s.cancelLocked(id)
		cancelled++
	}
	for id, w := range desired {
		if s.armLocked(id, w.content, w.at) {
			armed++
		}
	}
	return armed, cancelled
}

// Pending returns the task ids with a live handle, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextFor returns the armed moment of taskID.
func (s *Scheduler) NextFor(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[taskID]
	if !ok {
		return time.Time{}, false
	}
	return h.at, true
}

func (s *Scheduler) armLocked(taskID, content string, when time.Time) bool {
	delay := when.Sub(s.clock.Now())
	if delay <= 0 {
		s.logger.WithFields(log.Fields{"task": taskID, "at": when}).Debug("reminder moment is not in the future")
		return false
	}
	h := &handle{taskID: taskID, content: content, at: when}
	s.handles[taskID] = h
	h.stop = s.clock.AfterFunc(delay, func() { s.fire(h) })
	s.logger.WithFields(log.Fields{"task": taskID, "at": when}).Debug("reminder armed")
	return true
}

func (s *Scheduler) cancelLocked(taskID string) {
	h, ok := s.handles[taskID]
	if !ok {
		return
	}
	delete(s.handles, taskID)
	if h.stop != nil {
		h.stop()
	}
}

// fire clears the handle before displaying so a fired timer is never
// referenced again, even when display fails.
func (s *Scheduler) fire(h *handle) {
	s.mu.Lock()
	if cur, ok := s.handles[h.taskID]; !ok || cur != h {
		s.mu.Unlock()
		return
	}
	delete(s.handles, h.taskID)
	permitted := s.permitted
	s.mu.Unlock()

	entry := s.logger.WithField("task", h.taskID)
	if !permitted || s.notifier == nil {
		entry.Warn("reminder fired without notification permission")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	err := s.notifier.Notify(ctx, Reminder{TaskID: h.taskID, Title: AlertTitle, Body: "Task: " + h.content})
	if err != nil {
		entry.WithError(err).Warn("reminder display failed")
		return
	}
	entry.Info("reminder delivered")
}
