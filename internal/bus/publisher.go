package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/model"
)

// Publisher appends JSON payloads to topics, trimming each topic to its
// approximate length cap.
type Publisher struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

// NewPublisher creates a publisher. A nil logger falls back to the
// default logger.
func NewPublisher(rdb redis.Cmdable, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{rdb: rdb, logger: logger.With("component", "bus")}
}

// Publish marshals v and appends it to topic under the single "data"
// field.
func (p *Publisher) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return p.PublishRaw(ctx, topic, payload)
}

// PublishRaw appends an already-encoded payload to topic.
func (p *Publisher) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: MaxLen(topic),
		Approx: true,
		Values: map[string]any{"data": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// PublishSignal sends a signal to its processor topic and to the fan-in
// topic consumed by the aggregator.
func (p *Publisher) PublishSignal(ctx context.Context, topic string, sig model.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", sig.SignalID, err)
	}
	if err := p.PublishRaw(ctx, topic, payload); err != nil {
		return err
	}
	return p.PublishRaw(ctx, TopicSignalsAll, payload)
}
