package syncer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"prism-sync/domain"
	"prism-sync/localcache"
	"prism-sync/remote"
)

func TestAuthoritativeBackend(t *testing.T) {
	tests := []struct {
		name string
		sess domain.Session
		want Backend
	}{
		{name: "zero", sess: domain.Session{}, want: Local},
		{name: "blankUser", sess: domain.Authenticated(domain.Identity{UserID: " "}), want: Local},
		{name: "signedIn", sess: alice(), want: Remote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AuthoritativeBackend(tt.sess); got != tt.want {
				t.Fatalf("AuthoritativeBackend() = %v, want %v", got, tt.want)
			}
			if got := AuthoritativeBackend(tt.sess); got != tt.want {
				t.Fatalf("second call disagreed: %v", got)
			}
		})
	}
}

func TestLoadAnonymousDropsInvalidRecords(t *testing.T) {
	local := localcache.NewMemoryStore()
	raw := `[
		{"id":"1","title":"buy milk","text":"buy milk","completed":false},
		{"id":"","text":"no id"},
		{"id":"2","title":"","text":""},
		{"id":"3","text":"text only"},
		42,
		{"id":"1","text":"duplicate"}
	]`
	if err := local.SetItem(localcache.TasksKey, raw); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := newTestTaskCollection(local, newFakeRemote())

	got, err := c.Load(context.Background(), domain.Session{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ids := domain.IDs(got); !reflect.DeepEqual(ids, []string{"1", "3"}) {
		t.Fatalf("unexpected ids %v", ids)
	}
	if got[1].Title != "text only" {
		t.Fatalf("expected title filled from text, got %q", got[1].Title)
	}
	if !reflect.DeepEqual(domain.IDs(c.Items()), []string{"1", "3"}) {
		t.Fatalf("projection not updated: %v", domain.IDs(c.Items()))
	}
}

func TestLoadCorruptCacheIsEmpty(t *testing.T) {
	local := localcache.NewMemoryStore()
	_ = local.SetItem(localcache.TasksKey, "{not json")
	c := newTestTaskCollection(local, newFakeRemote())

	got, err := c.Load(context.Background(), domain.Session{})
	if err != nil {
		t.Fatalf("expected corrupt cache to be recovered, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestLoadRemoteNotFoundIsEmpty(t *testing.T) {
	c := newTestTaskCollection(localcache.NewMemoryStore(), newFakeRemote())
	got, err := c.Load(context.Background(), alice())
	if err != nil {
		t.Fatalf("not found must not be an error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}
}

func TestLoadRemoteFailureKeepsProjection(t *testing.T) {
	rs := newFakeRemote()
	rs.seedTasks("alice", task("1", "keep me"))
	c := newTestTaskCollection(localcache.NewMemoryStore(), rs)
	ctx := context.Background()
	if _, err := c.Load(ctx, alice()); err != nil {
		t.Fatalf("first load: %v", err)
	}

	rs.fetchTasksErr = &remote.StatusError{Code: 503, Message: "down"}
	got, err := c.Load(ctx, alice())
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		t.Fatal("transport error type must not escape")
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result on failure, got %v", got)
	}
	if ids := domain.IDs(c.Items()); !reflect.DeepEqual(ids, []string{"1"}) {
		t.Fatalf("projection must keep last good value, got %v", ids)
	}
}

func TestTranslateClassifiesErrors(t *testing.T) {
	rejectedKey := localcache.NewMemoryStore().SetItem("a/b", "x")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "local", err: localcache.ErrUnavailable, want: ErrLocalUnavailable},
		{name: "rejectedLocalKey", err: rejectedKey, want: ErrLocalUnavailable},
		{name: "malformed", err: remote.ErrMalformedResponse, want: ErrMalformedData},
		{name: "badRequest", err: &remote.StatusError{Code: 400}, want: ErrRemoteRejected},
		{name: "unauthorized", err: &remote.StatusError{Code: 401}, want: ErrNotAuthenticated},
		{name: "throttled", err: &remote.StatusError{Code: 429}, want: ErrRemoteUnavailable},
		{name: "transport", err: errors.New("connection refused"), want: ErrRemoteUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate("op", tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("translate(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if translate("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	for name, sess := range map[string]domain.Session{"anonymous": {}, "authenticated": alice()} {
		t.Run(name, func(t *testing.T) {
			rs := newFakeRemote()
			rs.seedTasks("alice")
			c := newTestTaskCollection(localcache.NewMemoryStore(), rs)
			ctx := context.Background()

			in := []domain.Task{task("a", "one"), {ID: "b", Text: "two"}}
			saved, err := c.Save(ctx, sess, in)
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if saved[1].Title != "two" || saved[1].Category != domain.DefaultCategory {
				t.Fatalf("expected write defaults, got %+v", saved[1])
			}
			loaded, err := c.Load(ctx, sess)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(domain.IDs(loaded), []string{"a", "b"}) {
				t.Fatalf("unexpected ids after round trip: %v", domain.IDs(loaded))
			}
		})
	}
}

func TestSaveFailureKeepsProjection(t *testing.T) {
	rs := newFakeRemote()
	rs.seedTasks("alice", task("1", "first"))
	c := newTestTaskCollection(localcache.NewMemoryStore(), rs)
	ctx := context.Background()
	if _, err := c.Load(ctx, alice()); err != nil {
		t.Fatalf("load: %v", err)
	}

	rs.replaceTasksErr = errors.New("connection reset")
	got, err := c.Save(ctx, alice(), []domain.Task{task("1", "first"), task("2", "second")})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if ids := domain.IDs(got); !reflect.DeepEqual(ids, []string{"1"}) {
		t.Fatalf("expected last good list, got %v", ids)
	}
	if ids := domain.IDs(c.Items()); !reflect.DeepEqual(ids, []string{"1"}) {
		t.Fatalf("projection changed on failure: %v", ids)
	}
}

func TestSaveLocalUnavailable(t *testing.T) {
	c := newTestTaskCollection(failingStore{}, newFakeRemote())
	_, err := c.Save(context.Background(), domain.Session{}, []domain.Task{task("1", "x")})
	if !errors.Is(err, ErrLocalUnavailable) {
		t.Fatalf("expected ErrLocalUnavailable, got %v", err)
	}
}

type failingStore struct{}

func (failingStore) GetItem(string) (string, bool, error) { return "", false, localcache.ErrUnavailable }
func (failingStore) SetItem(string, string) error         { return localcache.ErrUnavailable }
func (failingStore) RemoveItem(string) error              { return localcache.ErrUnavailable }

func seedLocalTasks(t *testing.T, local localcache.Store, tasks ...domain.Task) {
	t.Helper()
	data, err := sonic.MarshalString(tasks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := local.SetItem(localcache.TasksKey, data); err != nil {
		t.Fatalf("seed local: %v", err)
	}
}

func TestMigrateNoLossMerge(t *testing.T) {
	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "A"), task("2", "B"))
	rs := newFakeRemote()
	rs.seedTasks("alice", task("3", "C"))
	c := newTestTaskCollection(local, rs)

	got, err := c.Migrate(context.Background(), alice())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if ids := domain.IDs(got); !reflect.DeepEqual(ids, []string{"3", "1", "2"}) {
		t.Fatalf("unexpected merged ids %v", ids)
	}
	if ids := domain.IDs(rs.storedTasks("alice")); !reflect.DeepEqual(ids, []string{"3", "1", "2"}) {
		t.Fatalf("unexpected remote ids %v", ids)
	}
	if _, ok, _ := local.GetItem(localcache.TasksKey); ok {
		t.Fatal("device cache must be cleared after a successful merge")
	}
}

func TestMigrateRemoteWinsOnCollision(t *testing.T) {
	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "old"))
	rs := newFakeRemote()
	rs.seedTasks("alice", task("1", "new"))
	c := newTestTaskCollection(local, rs)

	if _, err := c.Migrate(context.Background(), alice()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stored := rs.storedTasks("alice")
	if len(stored) != 1 || stored[0].Text != "new" || stored[0].Title != "new" {
		t.Fatalf("expected remote copy to win, got %+v", stored)
	}
}

func TestMigrateTwiceNeverDuplicates(t *testing.T) {
	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "A"), task("2", "B"))
	rs := newFakeRemote()
	rs.seedTasks("alice", task("2", "B remote"))
	c := newTestTaskCollection(local, rs)
	ctx := context.Background()

	if _, err := c.Migrate(ctx, alice()); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	got, err := c.Migrate(ctx, alice())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if ids := domain.IDs(got); !reflect.DeepEqual(ids, []string{"2", "1"}) {
		t.Fatalf("unexpected ids after retry %v", ids)
	}
	if _, replaces := rs.calls(); replaces != 1 {
		t.Fatalf("second migrate must degrade to a load, saw %d saves", replaces)
	}
}

func TestMigrateSaveFailureKeepsDeviceRecords(t *testing.T) {
	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "A"))
	rs := newFakeRemote()
	rs.seedTasks("alice", task("3", "C"))
	rs.replaceTasksErr = &remote.StatusError{Code: 502}
	c := newTestTaskCollection(local, rs)

	got, err := c.Migrate(context.Background(), alice())
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if ids := domain.IDs(got); !reflect.DeepEqual(ids, []string{"3"}) {
		t.Fatalf("expected remote-only fallback, got %v", ids)
	}
	if _, ok, _ := local.GetItem(localcache.TasksKey); !ok {
		t.Fatal("device cache must survive a failed merge")
	}

	rs.replaceTasksErr = nil
	got, err = c.Migrate(context.Background(), alice())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ids := domain.IDs(got); !reflect.DeepEqual(ids, []string{"3", "1"}) {
		t.Fatalf("retry should complete the merge, got %v", ids)
	}
}

func TestMigrateFetchFailureAborts(t *testing.T) {
	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "A"))
	rs := newFakeRemote()
	rs.seedTasks("alice", task("3", "C"))
	rs.fetchTasksErr = errors.New("timeout")
	c := newTestTaskCollection(local, rs)

	got, err := c.Migrate(context.Background(), alice())
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
	if _, replaces := rs.calls(); replaces != 0 {
		t.Fatal("no merge may be written when the account could not be read")
	}
	if ids := domain.IDs(rs.storedTasks("alice")); !reflect.DeepEqual(ids, []string{"3"}) {
		t.Fatalf("remote data must be untouched, got %v", ids)
	}
	if _, ok, _ := local.GetItem(localcache.TasksKey); !ok {
		t.Fatal("device cache must be kept")
	}
}

func TestMigrateRequiresIdentity(t *testing.T) {
	c := newTestTaskCollection(localcache.NewMemoryStore(), newFakeRemote())
	if _, err := c.Migrate(context.Background(), domain.Session{}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSaveNonRegressionWhileInFlight(t *testing.T) {
	rs := newFakeRemote()
	rs.seedTasks("alice")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rs.replaceHook = func([]domain.Task) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	c := newTestTaskCollection(localcache.NewMemoryStore(), rs)
	ctx := context.Background()

	l1 := []domain.Task{task("1", "one")}
	l2 := []domain.Task{task("1", "one"), task("2", "two")}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.Save(ctx, alice(), l1)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_, _ = c.Save(ctx, alice(), l2)
	}()
	waitFor(t, func() bool { return c.issued.Load() == 2 })
	close(release)
	wg.Wait()

	if ids := domain.IDs(rs.storedTasks("alice")); !reflect.DeepEqual(ids, []string{"1", "2"}) {
		t.Fatalf("backend regressed to %v", ids)
	}
	if ids := domain.IDs(c.Items()); !reflect.DeepEqual(ids, []string{"1", "2"}) {
		t.Fatalf("projection regressed to %v", ids)
	}
}

func TestSaveSkipsSupersededWrite(t *testing.T) {
	rs := newFakeRemote()
	rs.seedTasks("alice")
	c := newTestTaskCollection(localcache.NewMemoryStore(), rs)
	ctx := context.Background()

	l1 := []domain.Task{task("1", "one")}
	l2 := []domain.Task{task("1", "one"), task("2", "two")}

	c.io.Lock()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.Save(ctx, alice(), l1)
	}()
	waitFor(t, func() bool { return c.issued.Load() == 1 })
	go func() {
		defer wg.Done()
		_, _ = c.Save(ctx, alice(), l2)
	}()
	waitFor(t, func() bool { return c.issued.Load() == 2 })
	c.io.Unlock()
	wg.Wait()

	if ids := domain.IDs(rs.storedTasks("alice")); !reflect.DeepEqual(ids, []string{"1", "2"}) {
		t.Fatalf("last issued save must win, got %v", ids)
	}
}

func TestSaveWaitsForMigration(t *testing.T) {
	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "local"))
	rs := newFakeRemote()
	rs.seedTasks("alice", task("2", "remote"))
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rs.fetchHook = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	c := newTestTaskCollection(local, rs)
	ctx := context.Background()

	migrated := make(chan error, 1)
	go func() {
		_, err := c.Migrate(ctx, alice())
		migrated <- err
	}()
	<-entered

	saved := make(chan error, 1)
	go func() {
		_, err := c.Save(ctx, alice(), []domain.Task{task("9", "after login")})
		saved <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if _, replaces := rs.calls(); replaces != 0 {
		t.Fatal("save ran before the migration finished")
	}
	close(release)

	if err := <-migrated; err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := <-saved; err != nil {
		t.Fatalf("save: %v", err)
	}
	if ids := domain.IDs(rs.storedTasks("alice")); !reflect.DeepEqual(ids, []string{"9"}) {
		t.Fatalf("expected save issued after migration to win, got %v", ids)
	}
}

func TestCollectionSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	local := localcache.NewMemoryStore()
	seedLocalTasks(t, local, task("1", "A"))
	rs := newFakeRemote()
	rs.seedTasks("alice")
	c := newTestTaskCollection(local, rs, WithTracerProvider(tp))

	if _, err := c.Migrate(context.Background(), alice()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "syncer.migrate" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["syncer.collection"] != "tasks" || attrs["syncer.backend"] != "remote" || attrs["syncer.merged"] != true {
		t.Fatalf("unexpected span attributes %#v", attrs)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
