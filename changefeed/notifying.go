package changefeed

import (
	"context"
	"time"

	"prism-sync/domain"
	"prism-sync/storage"
)

// Publisher accepts change events.
type Publisher interface {
	Publish(domain.ChangeEvent)
}

// Notifying wraps a storage.Backend and publishes a change event after
// every successful replace. It is used when no queue sits between the
// storage and the watchers.
type Notifying struct {
	storage.Backend
	pub Publisher
	now func() time.Time
}

// NewNotifying wraps base.
func NewNotifying(base storage.Backend, pub Publisher) *Notifying {
	return &Notifying{Backend: base, pub: pub, now: time.Now}
}

func (n *Notifying) ReplaceTasks(ctx context.Context, userID string, tasks []domain.Task) ([]domain.Task, error) {
	saved, err := n.Backend.ReplaceTasks(ctx, userID, tasks)
	if err == nil {
		n.publish(userID, domain.CollectionTasks, len(saved))
	}
	return saved, err
}

func (n *Notifying) ReplaceActivities(ctx context.Context, userID string, activities []domain.Activity) ([]domain.Activity, error) {
	saved, err := n.Backend.ReplaceActivities(ctx, userID, activities)
	if err == nil {
		n.publish(userID, domain.CollectionActivities, len(saved))
	}
	return saved, err
}

func (n *Notifying) publish(userID, collection string, count int) {
	n.pub.Publish(domain.ChangeEvent{
		UserID:     userID,
		Collection: collection,
		Count:      count,
		Timestamp:  n.now().UnixMilli(),
	})
}
