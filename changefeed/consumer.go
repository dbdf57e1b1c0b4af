package changefeed

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

// DefaultChannel is the Redis channel change events are fanned out on.
const DefaultChannel = "prism-sync.changes"

const idleDelay = time.Second

// Message is one dequeued change notification.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// Queue is the subset of queue operations the consumer needs.
type Queue interface {
	Receive(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, m Message) error
}

// AzureQueue adapts an azqueue client to Queue.
type AzureQueue struct {
	Client *azqueue.QueueClient
}

func (q AzureQueue) Receive(ctx context.Context) ([]Message, error) {
	resp, err := q.Client.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil || m.MessageText == nil {
			continue
		}
		out = append(out, Message{ID: *m.MessageID, PopReceipt: *m.PopReceipt, Text: *m.MessageText})
	}
	return out, nil
}

func (q AzureQueue) Delete(ctx context.Context, m Message) error {
	_, err := q.Client.DeleteMessage(ctx, m.ID, m.PopReceipt, nil)
	return err
}

// Consumer drains the change queue and republishes every event on a Redis
// channel so each api instance can notify its own watchers.
type Consumer struct {
	queue   Queue
	redis   *redis.Client
	channel string
	logger  *log.Logger
	sleep   func(context.Context, time.Duration)
}

// NewConsumer creates a Consumer publishing on channel.
func NewConsumer(q Queue, rc *redis.Client, channel string, logger *log.Logger) *Consumer {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Consumer{queue: q, redis: rc, channel: channel, logger: logger, sleep: sleepCtx}
}

// Run processes messages until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.Poll(ctx)
		if err != nil {
			c.logger.WithError(err).Error("receive change events")
		}
		if n == 0 || err != nil {
			c.sleep(ctx, idleDelay)
		}
	}
}

// Poll handles one batch and returns how many messages it received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := c.handle(ctx, m); err != nil {
			// Left on the queue; it becomes visible again and is retried.
			c.logger.WithError(err).WithField("message", m.ID).Warn("change event not forwarded")
			continue
		}
		if err := c.queue.Delete(ctx, m); err != nil {
			c.logger.WithError(err).WithField("message", m.ID).Warn("delete change event")
		}
	}
	return len(msgs), nil
}

var errInvalidEvent = errors.New("invalid change event")

func (c *Consumer) handle(ctx context.Context, m Message) error {
	var ev domain.ChangeEvent
	if err := sonic.UnmarshalString(m.Text, &ev); err != nil || ev.UserID == "" {
		// Unreadable messages would be redelivered forever; drop them.
		c.logger.WithField("message", m.ID).Warn(errInvalidEvent.Error())
		return nil
	}
	if err := c.redis.Publish(ctx, c.channel, m.Text).Err(); err != nil {
		return err
	}
	c.logger.WithFields(log.Fields{
		"user":       ev.UserID,
		"collection": ev.Collection,
	}).Debug("change event forwarded")
	return nil
}

// Listen subscribes to channel and hands every event to pub until ctx is
// done, reconnecting when the subscription drops.
func Listen(ctx context.Context, rc *redis.Client, channel string, pub Publisher, logger *log.Logger) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				var ev domain.ChangeEvent
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil || ev.UserID == "" {
					logger.WithField("payload", msg.Payload).Warn(errInvalidEvent.Error())
					continue
				}
				pub.Publish(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("change subscription closed, reconnecting")
		sleepCtx(ctx, idleDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
