package syncer

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/internal/testutil"
	"prism-sync/localcache"
	"prism-sync/reminder"
	"prism-sync/remote"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeRemote is an in-memory remote store. Unknown users get
// remote.ErrNotFound. Hooks run outside the lock so they may block.
type fakeRemote struct {
	mu         sync.Mutex
	known      map[string]bool
	tasks      map[string][]domain.Task
	activities map[string][]domain.Activity

	fetchTasksErr      error
	replaceTasksErr    error
	fetchActivitiesErr error
	registerErr        error

	fetchHook   func()
	replaceHook func([]domain.Task)

	fetchCalls   int
	replaceCalls int
	registered   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		known:      map[string]bool{},
		tasks:      map[string][]domain.Task{},
		activities: map[string][]domain.Activity{},
	}
}

func (f *fakeRemote) seedTasks(user string, tasks ...domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[user] = true
	f.tasks[user] = append([]domain.Task(nil), tasks...)
}

func (f *fakeRemote) storedTasks(user string) []domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Task(nil), f.tasks[user]...)
}

func (f *fakeRemote) storedActivities(user string) []domain.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Activity(nil), f.activities[user]...)
}

func (f *fakeRemote) calls() (fetch, replace int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.replaceCalls
}

func (f *fakeRemote) RegisterUser(_ context.Context, id domain.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.known[id.UserID] = true
	f.registered = append(f.registered, id.UserID)
	return nil
}

func (f *fakeRemote) FetchTasks(_ context.Context, id domain.Identity) ([]domain.Task, error) {
	if f.fetchHook != nil {
		f.fetchHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchTasksErr != nil {
		return nil, f.fetchTasksErr
	}
	if !f.known[id.UserID] {
		return nil, remote.ErrNotFound
	}
	return append([]domain.Task(nil), f.tasks[id.UserID]...), nil
}

func (f *fakeRemote) ReplaceTasks(_ context.Context, id domain.Identity, tasks []domain.Task) ([]domain.Task, error) {
	if f.replaceHook != nil {
		f.replaceHook(tasks)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceCalls++
	if f.replaceTasksErr != nil {
		return nil, f.replaceTasksErr
	}
	if !f.known[id.UserID] {
		return nil, remote.ErrNotFound
	}
	f.tasks[id.UserID] = append([]domain.Task(nil), tasks...)
	return append([]domain.Task(nil), tasks...), nil
}

func (f *fakeRemote) FetchActivities(_ context.Context, id domain.Identity) ([]domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchActivitiesErr != nil {
		return nil, f.fetchActivitiesErr
	}
	if !f.known[id.UserID] {
		return nil, remote.ErrNotFound
	}
	return append([]domain.Activity(nil), f.activities[id.UserID]...), nil
}

func (f *fakeRemote) ReplaceActivities(_ context.Context, id domain.Identity, activities []domain.Activity) ([]domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id.UserID] {
		return nil, remote.ErrNotFound
	}
	f.activities[id.UserID] = append([]domain.Activity(nil), activities...)
	return append([]domain.Activity(nil), activities...), nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []reminder.Reminder
}

func (n *recordingNotifier) RequestPermission(context.Context) (bool, error) { return true, nil }

func (n *recordingNotifier) Notify(_ context.Context, r reminder.Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, r)
	return nil
}

func (n *recordingNotifier) delivered() []reminder.Reminder {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]reminder.Reminder(nil), n.got...)
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type engineFixture struct {
	engine   *Engine
	local    *localcache.MemoryStore
	remote   *fakeRemote
	clock    *testutil.FakeClock
	notifier *recordingNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		local:    localcache.NewMemoryStore(),
		remote:   newFakeRemote(),
		clock:    testutil.NewFakeClock(testNow),
		notifier: &recordingNotifier{},
	}
	logger := quietLogger()
	sched := reminder.NewScheduler(f.notifier, reminder.WithClock(f.clock), reminder.WithLogger(logger))
	f.engine = NewEngine(f.local, f.remote, sched, WithLogger(logger), WithClock(f.clock.Now))
	return f
}

func newTestTaskCollection(local localcache.Store, rs RemoteStore, opts ...Option) *Collection[domain.Task] {
	opts = append([]Option{WithLogger(quietLogger()), WithClock(func() time.Time { return testNow })}, opts...)
	return NewTaskCollection(local, rs, opts...)
}

func task(id, text string) domain.Task {
	return domain.Task{ID: id, Title: text, Text: text, Category: domain.DefaultCategory, CreatedAt: testNow, UpdatedAt: testNow}
}

func alice() domain.Session {
	return domain.Authenticated(domain.Identity{UserID: "alice", Email: "alice@example.com", Token: "tok-alice"})
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}
