package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/domain"
	"prism-sync/localcache"
	"prism-sync/remote"
)

// RemoteStore is the consumed per-account persistence contract.
type RemoteStore interface {
	FetchTasks(ctx context.Context, id domain.Identity) ([]domain.Task, error)
	ReplaceTasks(ctx context.Context, id domain.Identity, tasks []domain.Task) ([]domain.Task, error)
	FetchActivities(ctx context.Context, id domain.Identity) ([]domain.Activity, error)
	ReplaceActivities(ctx context.Context, id domain.Identity, activities []domain.Activity) ([]domain.Activity, error)
}

// Collection keeps one record list in sync with the authoritative backend
// and owns its in-memory projection.
//
// Saves are applied in the order they were issued: a save that is still
// waiting when a newer one has already been applied is skipped. While a
// migration runs, Load and Save wait for it to finish.
type Collection[T domain.Record] struct {
	name    string
	key     string
	local   localcache.Store
	fetch   func(ctx context.Context, id domain.Identity) ([]T, error)
	replace func(ctx context.Context, id domain.Identity, records []T) ([]T, error)
	accept  func(T) (T, bool)
	prepare func([]T, time.Time) []T

	logger *log.Logger
	now    func() time.Time
	tracer trace.Tracer

	gateMu sync.Mutex
	gate   chan struct{}

	io      sync.Mutex
	issued  atomic.Uint64
	applied uint64

	mu    sync.RWMutex
	items []T
}

// NewTaskCollection synchronizes tasks between the device cache and rs.
func NewTaskCollection(local localcache.Store, rs RemoteStore, opts ...Option) *Collection[domain.Task] {
	o := newOptions(opts)
	return &Collection[domain.Task]{
		name:    domain.CollectionTasks,
		key:     localcache.TasksKey,
		local:   local,
		fetch:   rs.FetchTasks,
		replace: rs.ReplaceTasks,
		accept:  domain.NormalizeTaskRead,
		prepare: domain.PrepareTasksWrite,
		logger:  o.logger,
		now:     o.now,
		tracer:  o.tracer,
	}
}

// NewActivityCollection synchronizes activities between the device cache and rs.
func NewActivityCollection(local localcache.Store, rs RemoteStore, opts ...Option) *Collection[domain.Activity] {
	o := newOptions(opts)
	return &Collection[domain.Activity]{
		name:    domain.CollectionActivities,
		key:     localcache.ActivitiesKey,
		local:   local,
		fetch:   rs.FetchActivities,
		replace: rs.ReplaceActivities,
		accept:  domain.NormalizeActivityRead,
		prepare: domain.PrepareActivitiesWrite,
		logger:  o.logger,
		now:     o.now,
		tracer:  o.tracer,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Items returns a copy of the current projection.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.items)
}

// Reset empties the projection without touching any backend.
func (c *Collection[T]) Reset() {
	c.setItems(nil)
}

// Load reads the records of the authoritative backend for sess and makes
// them the projection. On failure it returns an empty list and leaves the
// projection untouched.
func (c *Collection[T]) Load(ctx context.Context, sess domain.Session) ([]T, error) {
	if err := c.waitGate(ctx); err != nil {
		return []T{}, translate("load "+c.name, err)
	}
	ctx, span := c.startSpan(ctx, "syncer.load", sess)
	c.io.Lock()
	records, err := c.load(ctx, sess)
	c.io.Unlock()
	endSpan(span, err)
	if err != nil {
		c.entry(sess).WithError(err).Warn("load failed")
		return []T{}, err
	}
	c.setItems(records)
	return clone(records), nil
}

// Save replaces the whole record list on the authoritative backend. On
// success the persisted list becomes the projection; on failure the
// projection keeps its last known good value, which is returned alongside
// the error.
func (c *Collection[T]) Save(ctx context.Context, sess domain.Session, records []T) ([]T, error) {
	if err := c.waitGate(ctx); err != nil {
		return c.Items(), translate("save "+c.name, err)
	}
	seq := c.issued.Add(1)
	ctx, span := c.startSpan(ctx, "syncer.save", sess)

	c.io.Lock()
	defer c.io.Unlock()
	if seq < c.applied {
		span.SetAttributes(attribute.Bool("syncer.superseded", true))
		endSpan(span, nil)
		c.entry(sess).WithField("seq", seq).Debug("skipping superseded save")
		return c.Items(), nil
	}
	saved, err := c.persist(ctx, sess, records)
	endSpan(span, err)
	if err != nil {
		c.entry(sess).WithError(err).Error("save failed")
		return c.Items(), err
	}
	c.applied = seq
	c.setItems(saved)
	return clone(saved), nil
}

// Migrate merges the anonymous device records into the account of sess:
// remote records win on id collision, local-only records are appended. The
// device cache is cleared only after the merged list was saved. When there
// is nothing local to merge it degrades to a plain load.
func (c *Collection[T]) Migrate(ctx context.Context, sess domain.Session) ([]T, error) {
	if sess.Anonymous() {
		return []T{}, fmt.Errorf("migrate %s: %w", c.name, ErrNotAuthenticated)
	}
	release, err := c.hold(ctx)
	if err != nil {
		return []T{}, translate("migrate "+c.name, err)
	}
	defer release()

	ctx, span := c.startSpan(ctx, "syncer.migrate", sess)
	c.io.Lock()
	defer c.io.Unlock()
	seq := c.issued.Add(1)
	entry := c.entry(sess)

	local, err := c.readLocal()
	if err != nil {
		entry.WithError(err).Warn("device cache unreadable, loading account only")
		local = nil
	}
	if len(local) == 0 {
		span.SetAttributes(attribute.Bool("syncer.merged", false))
		records, err := c.load(ctx, sess)
		endSpan(span, err)
		if err != nil {
			c.setItems(nil)
			return []T{}, err
		}
		c.setItems(records)
		return clone(records), nil
	}

	remoteRecords, err := c.fetch(ctx, *sess.Identity)
	if errors.Is(err, remote.ErrNotFound) {
		remoteRecords, err = nil, nil
	}
	if err != nil {
		err = translate("migrate "+c.name, err)
		endSpan(span, err)
		entry.WithError(err).Warn("migration aborted, device records kept")
		c.setItems(nil)
		return []T{}, err
	}
	remoteRecords = c.normalize(remoteRecords)

	merged := domain.MergeByID(remoteRecords, local)
	span.SetAttributes(
		attribute.Bool("syncer.merged", true),
		attribute.Int("syncer.local_count", len(local)),
		attribute.Int("syncer.remote_count", len(remoteRecords)),
	)
	saved, err := c.persist(ctx, sess, merged)
	if err != nil {
		endSpan(span, err)
		entry.WithError(err).Error("migration save failed, device records kept")
		c.setItems(remoteRecords)
		return clone(remoteRecords), err
	}
	c.applied = seq
	if err := c.local.RemoveItem(c.key); err != nil {
		entry.WithError(err).Error("device cache not cleared after migration")
	}
	endSpan(span, nil)
	entry.WithFields(log.Fields{
		"local":  len(local),
		"remote": len(remoteRecords),
		"merged": len(saved),
	}).Info("migration complete")
	c.setItems(saved)
	return clone(saved), nil
}

// ClearLocal removes the device cache entry of the collection.
func (c *Collection[T]) ClearLocal() error {
	c.io.Lock()
	defer c.io.Unlock()
	return translate("clear "+c.name, c.local.RemoveItem(c.key))
}

func (c *Collection[T]) load(ctx context.Context, sess domain.Session) ([]T, error) {
	if AuthoritativeBackend(sess) == Local {
		return c.readLocal()
	}
	records, err := c.fetch(ctx, *sess.Identity)
	if errors.Is(err, remote.ErrNotFound) {
		c.entry(sess).Debug("account unknown to remote store, treating as empty")
		return []T{}, nil
	}
	if err != nil {
		return nil, translate("load "+c.name, err)
	}
	return c.normalize(records), nil
}

func (c *Collection[T]) persist(ctx context.Context, sess domain.Session, records []T) ([]T, error) {
	prepared := c.prepare(records, c.now())
	if AuthoritativeBackend(sess) == Local {
		if err := c.writeLocal(prepared); err != nil {
			return nil, err
		}
		return prepared, nil
	}
	saved, err := c.replace(ctx, *sess.Identity, prepared)
	if err != nil {
		return nil, translate("save "+c.name, err)
	}
	return c.normalize(saved), nil
}

// readLocal decodes the cached array one element at a time so a corrupt
// record only costs itself.
func (c *Collection[T]) readLocal() ([]T, error) {
	raw, ok, err := c.local.GetItem(c.key)
	if err != nil {
		return nil, translate("read "+c.name, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []T{}, nil
	}
	var elems []sonic.NoCopyRawMessage
	if err := sonic.UnmarshalString(raw, &elems); err != nil {
		c.logger.WithError(err).WithField("collection", c.name).Warn("discarding unreadable device cache")
		return []T{}, nil
	}
	out := make([]T, 0, len(elems))
	for i, elem := range elems {
		var v T
		if err := sonic.Unmarshal(elem, &v); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{"collection": c.name, "index": i}).Debug("dropping unreadable cached record")
			continue
		}
		v, valid := c.accept(v)
		if !valid {
			c.logger.WithFields(log.Fields{"collection": c.name, "index": i}).Debug("dropping invalid cached record")
			continue
		}
		out = append(out, v)
	}
	return domain.Dedupe(out), nil
}

func (c *Collection[T]) writeLocal(records []T) error {
	data, err := sonic.MarshalString(records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	return translate("write "+c.name, c.local.SetItem(c.key, data))
}

func (c *Collection[T]) normalize(records []T) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		v, ok := c.accept(r)
		if !ok {
			c.logger.WithFields(log.Fields{"collection": c.name, "id": r.RecordID()}).Debug("dropping invalid remote record")
			continue
		}
		out = append(out, v)
	}
	return domain.Dedupe(out)
}

func (c *Collection[T]) setItems(records []T) {
	c.mu.Lock()
	c.items = clone(records)
	c.mu.Unlock()
}

func (c *Collection[T]) waitGate(ctx context.Context) error {
	for {
		c.gateMu.Lock()
		g := c.gate
		c.gateMu.Unlock()
		if g == nil {
			return nil
		}
		select {
		case <-g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// hold closes the gate until the returned release is called. Only one
// holder exists at a time.
func (c *Collection[T]) hold(ctx context.Context) (func(), error) {
	for {
		c.gateMu.Lock()
		g := c.gate
		if g == nil {
			done := make(chan struct{})
			c.gate = done
			c.gateMu.Unlock()
			return func() {
				c.gateMu.Lock()
				c.gate = nil
				c.gateMu.Unlock()
				close(done)
			}, nil
		}
		c.gateMu.Unlock()
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Collection[T]) entry(sess domain.Session) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"collection": c.name,
		"backend":    AuthoritativeBackend(sess).String(),
		"user":       sess.UserID(),
	})
}

func (c *Collection[T]) startSpan(ctx context.Context, name string, sess domain.Session) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("syncer.collection", c.name),
		attribute.String("syncer.backend", AuthoritativeBackend(sess).String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func clone[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}
