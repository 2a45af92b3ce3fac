package bus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one delivered stream entry.
type Message struct {
	ID   string
	Data []byte
}

// Handler processes one delivered batch. Returning an error leaves the
// batch unacknowledged so the bus redelivers it.
type Handler func(ctx context.Context, msgs []Message) error

const (
	defaultBatchSize = 100
	blockTimeout     = 5 * time.Second
	connErrBackoff   = 5 * time.Second
	otherErrBackoff  = time.Second
)

// Consumer reads one topic on behalf of a named member of a consumer
// group. Delivery is at-least-once; handlers must be idempotent.
type Consumer struct {
	rdb       redis.Cmdable
	group     string
	name      string
	batchSize int64
	logger    *slog.Logger
}

// NewConsumer creates a consumer identity within group. batchSize <= 0
// selects the default of 100.
func NewConsumer(rdb redis.Cmdable, group, name string, batchSize int64, logger *slog.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		rdb:       rdb,
		group:     group,
		name:      name,
		batchSize: batchSize,
		logger:    logger.With("component", "bus", "group", group, "consumer", name),
	}
}

// Consume creates the group if needed, drains this consumer's pending
// entries, then reads live until the context is cancelled.
func (c *Consumer) Consume(ctx context.Context, topic string, handler Handler) error {
	if err := c.ensureGroup(ctx, topic); err != nil {
		return err
	}

	if err := c.replayPending(ctx, topic, handler); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, ">"},
			Count:    c.batchSize,
			Block:    blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.backoff(ctx, topic, err)
			continue
		}

		c.dispatch(ctx, topic, streams, handler)
	}
}

// ensureGroup creates the consumer group at the start of the topic,
// creating the topic itself if it does not exist yet.
func (c *Consumer) ensureGroup(ctx context.Context, topic string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, topic, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// replayPending re-delivers entries this consumer saw before a restart
// but never acknowledged. Reading from id "0" returns the PEL.
func (c *Consumer) replayPending(ctx context.Context, topic string, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, "0"},
			Count:    c.batchSize,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}

		total := 0
		for _, s := range streams {
			total += len(s.Messages)
		}
		if total == 0 {
			return nil
		}

		c.logger.Info("replaying pending entries", "topic", topic, "count", total)
		c.dispatch(ctx, topic, streams, handler)
	}
}

func (c *Consumer) dispatch(ctx context.Context, topic string, streams []redis.XStream, handler Handler) {
	for _, s := range streams {
		msgs := make([]Message, 0, len(s.Messages))
		ids := make([]string, 0, len(s.Messages))
		for _, m := range s.Messages {
			data, ok := m.Values["data"]
			if !ok {
				// Trimmed tombstone; ack and move on.
				ids = append(ids, m.ID)
				continue
			}
			msgs = append(msgs, Message{ID: m.ID, Data: toBytes(data)})
			ids = append(ids, m.ID)
		}

		if len(msgs) > 0 {
			if err := handler(ctx, msgs); err != nil {
				c.logger.Error("handler failed, leaving batch pending",
					"topic", topic, "count", len(msgs), "error", err)
				continue
			}
		}

		if len(ids) > 0 {
			if err := c.rdb.XAck(ctx, topic, c.group, ids...).Err(); err != nil {
				c.logger.Error("ack failed", "topic", topic, "error", err)
			}
		}
	}
}

func (c *Consumer) backoff(ctx context.Context, topic string, err error) {
	delay := otherErrBackoff
	var netErr net.Error
	if errors.As(err, &netErr) {
		delay = connErrBackoff
	}
	c.logger.Error("read failed", "topic", topic, "error", err, "backoff", delay)

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func toBytes(v any) []byte {
	switch d := v.(type) {
	case string:
		return []byte(d)
	case []byte:
		return d
	}
	return nil
}

// Recent returns up to count of the newest entries on a topic, newest
// first. Used to check for live signals without a consumer group.
func Recent(ctx context.Context, rdb redis.Cmdable, topic string, count int64) ([]Message, error) {
	entries, err := rdb.XRevRangeN(ctx, topic, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(entries))
	for _, m := range entries {
		if data, ok := m.Values["data"]; ok {
			msgs = append(msgs, Message{ID: m.ID, Data: toBytes(data)})
		}
	}
	return msgs, nil
}
