// Package changefeed moves collection change events from the storage queue
// to the clients watching an account.
package changefeed

import (
	"sync"

	"prism-sync/domain"
)

const subscriberBuffer = 8

// Broker fans change events out to the subscribers of each user.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and is expected to reload on the next one.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.ChangeEvent]struct{}
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan domain.ChangeEvent]struct{})}
}

// Subscribe registers interest in the changes of userID. The returned
// function unsubscribes and closes the channel.
func (b *Broker) Subscribe(userID string) (<-chan domain.ChangeEvent, func()) {
	ch := make(chan domain.ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[chan domain.ChangeEvent]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(set, ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every current subscriber of ev.UserID.
func (b *Broker) Publish(ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}
