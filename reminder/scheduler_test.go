package reminder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/internal/testutil"
)

type recordingNotifier struct {
	mu       sync.Mutex
	granted  bool
	asked    int
	notifyFn func(Reminder) error
	got      []Reminder
}

func (n *recordingNotifier) RequestPermission(context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.asked++
	return n.granted, nil
}

func (n *recordingNotifier) Notify(_ context.Context, r Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, r)
	if n.notifyFn != nil {
		return n.notifyFn(r)
	}
	return nil
}

func (n *recordingNotifier) delivered() []Reminder {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Reminder(nil), n.got...)
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScheduler(t *testing.T, granted bool) (*Scheduler, *recordingNotifier, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	n := &recordingNotifier{granted: granted}
	s := NewScheduler(n, WithClock(clock), WithLogger(quietLogger()))
	s.RequestPermission(context.Background())
	return s, n, clock
}

func TestScheduleTwiceKeepsOneHandle(t *testing.T) {
	s, n, clock := newTestScheduler(t, true)
	now := clock.Now()

	s.Schedule("first", now.Add(time.Minute), "t1")
	s.Schedule("second", now.Add(2*time.Minute), "t1")

	if got := s.Pending(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("expected exactly one handle, got %v", got)
	}
	if clock.Pending() != 1 {
		t.Fatalf("expected replaced timer to be stopped, %d armed", clock.Pending())
	}

	clock.Advance(time.Minute)
	if len(n.delivered()) != 0 {
		t.Fatal("replaced reminder must not fire")
	}
	clock.Advance(time.Minute)
	got := n.delivered()
	if len(got) != 1 || got[0].Body != "Task: second" || got[0].Title != AlertTitle {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
}

func TestSchedulePastMomentIsNoop(t *testing.T) {
	s, _, clock := newTestScheduler(t, true)
	now := clock.Now()

	if s.Schedule("late", now.Add(-time.Second), "t1") {
		t.Fatal("expected past schedule to report false")
	}
	if s.Schedule("now", now, "t2") {
		t.Fatal("expected present moment to be rejected")
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("expected no handles, got %v", s.Pending())
	}
}

func TestFiredHandleIsCleared(t *testing.T) {
	s, n, clock := newTestScheduler(t, true)
	s.Schedule("water plants", clock.Now().Add(time.Second), "t1")

	clock.Advance(time.Second)
	if len(s.Pending()) != 0 {
		t.Fatalf("fired handle must be removed, got %v", s.Pending())
	}
	clock.Advance(time.Hour)
	if len(n.delivered()) != 1 {
		t.Fatalf("handle must fire at most once, got %d", len(n.delivered()))
	}

	s.Cancel("t1")
	s.Cancel("t1")
}

func TestCancelAndCancelAll(t *testing.T) {
	s, n, clock := newTestScheduler(t, true)
	now := clock.Now()
	s.Schedule("a", now.Add(time.Minute), "a")
	s.Schedule("b", now.Add(time.Minute), "b")
	s.Schedule("c", now.Add(time.Minute), "c")

	s.Cancel("a")
	s.Cancel("missing")
	if got := s.Pending(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("unexpected pending after cancel: %v", got)
	}

	s.CancelAll()
	if len(s.Pending()) != 0 {
		t.Fatalf("expected no handles after cancel all, got %v", s.Pending())
	}
	clock.Advance(time.Hour)
	if len(n.delivered()) != 0 {
		t.Fatalf("cancelled reminders must not fire, got %+v", n.delivered())
	}
}

func TestPermissionDeniedStillClearsHandle(t *testing.T) {
	s, n, clock := newTestScheduler(t, false)
	s.Schedule("silent", clock.Now().Add(time.Second), "t1")

	clock.Advance(time.Second)
	if len(n.delivered()) != 0 {
		t.Fatal("expected no display without permission")
	}
	if len(s.Pending()) != 0 {
		t.Fatal("expected handle to be cleared even without display")
	}
}

func TestDisplayFailureCountsAsFired(t *testing.T) {
	s, n, clock := newTestScheduler(t, true)
	n.notifyFn = func(Reminder) error { return errors.New("platform exploded") }
	s.Schedule("boom", clock.Now().Add(time.Second), "t1")

	clock.Advance(time.Second)
	if len(s.Pending()) != 0 {
		t.Fatal("expected handle cleared after failed display")
	}
	clock.Advance(time.Minute)
	if len(n.delivered()) != 1 {
		t.Fatalf("display must not be retried, got %d attempts", len(n.delivered()))
	}
}

func TestRequestPermissionIsCached(t *testing.T) {
	s, n, _ := newTestScheduler(t, true)
	for i := 0; i < 3; i++ {
		if !s.RequestPermission(context.Background()) {
			t.Fatal("expected cached grant")
		}
	}
	if n.asked != 1 {
		t.Fatalf("expected host to be asked once, got %d", n.asked)
	}
}

func TestReconcileDiffsAgainstTasks(t *testing.T) {
	s, n, clock := newTestScheduler(t, true)
	now := clock.Now()
	t1 := now.Add(10 * time.Minute)
	t2 := now.Add(20 * time.Minute)
	past := now.Add(-time.Minute)

	tasks := []domain.Task{
		{ID: "keep", Text: "keep", NotificationTime: &t1},
		{ID: "done", Text: "done", NotificationTime: &t1, Completed: true},
		{ID: "late", Text: "late", NotificationTime: &past},
		{ID: "plain", Text: "plain"},
	}
	armed, cancelled := s.Reconcile(tasks)
	if armed != 1 || cancelled != 0 {
		t.Fatalf("first reconcile armed=%d cancelled=%d", armed, cancelled)
	}

	armed, cancelled = s.Reconcile(tasks)
	if armed != 0 || cancelled != 0 {
		t.Fatalf("unchanged list must not churn, armed=%d cancelled=%d", armed, cancelled)
	}

	tasks[0].NotificationTime = &t2
	armed, cancelled = s.Reconcile(tasks)
	if armed != 1 || cancelled != 1 {
		t.Fatalf("moved reminder must be replaced, armed=%d cancelled=%d", armed, cancelled)
	}
	if at, ok := s.NextFor("keep"); !ok || !at.Equal(t2) {
		t.Fatalf("expected handle at %v, got %v (%v)", t2, at, ok)
	}

	clock.Advance(10 * time.Minute)
	if len(n.delivered()) != 0 {
		t.Fatal("reminder must not fire at the old moment")
	}
	clock.Advance(10 * time.Minute)
	if len(n.delivered()) != 1 {
		t.Fatalf("expected reminder at the new moment, got %d", len(n.delivered()))
	}

	s.Schedule("stray", clock.Now().Add(time.Hour), "gone")
	_, cancelled = s.Reconcile(nil)
	if cancelled != 1 || len(s.Pending()) != 0 {
		t.Fatalf("expected stray handle to be cancelled, pending=%v", s.Pending())
	}
}

func TestWriterNotifierFormatsAlert(t *testing.T) {
	var buf bytes.Buffer
	n := NewWriterNotifier(&buf)
	if ok, _ := n.RequestPermission(context.Background()); !ok {
		t.Fatal("expected writer notifier to grant permission")
	}
	if err := n.Notify(context.Background(), Reminder{Title: AlertTitle, Body: "Task: stretch"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := buf.String(); got != "Todo List Reminder: Task: stretch\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
