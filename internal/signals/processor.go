package signals

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

const (
	processorBatchSize = 100
	statsInterval      = 60 * time.Second
)

// Processor is the contract shared by all signal processors. Process is
// called once per delivered message and returns zero or more signals;
// an error skips the message without failing the batch.
type Processor interface {
	Name() string
	InputTopics() []string
	OutputTopic() string
	Process(ctx context.Context, topic string, payload []byte) ([]model.Signal, error)
}

// SignalPublisher is the slice of the bus publisher processors emit
// through.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, topic string, sig model.Signal) error
}

// Runner drives one processor: a consumer per input topic, one message
// at a time, publishing whatever the processor emits.
type Runner struct {
	rdb    redis.Cmdable
	pub    SignalPublisher
	proc   Processor
	logger *slog.Logger

	mu        sync.Mutex
	processed int64
	emitted   int64
	errored   int64
}

// NewRunner wires a processor to the bus. A nil logger falls back to
// the default.
func NewRunner(rdb redis.Cmdable, pub SignalPublisher, proc Processor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		rdb:    rdb,
		pub:    pub,
		proc:   proc,
		logger: logger.With("component", proc.Name()),
	}
}

// Run consumes every input topic until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("processor started", "inputs", r.proc.InputTopics(), "output", r.proc.OutputTopic())

	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range r.proc.InputTopics() {
		topic := topic
		consumer := bus.NewConsumer(r.rdb, bus.GroupProcessors,
			consumerName(r.proc.Name(), topic), processorBatchSize, r.logger)
		g.Go(func() error {
			return consumer.Consume(ctx, topic, func(ctx context.Context, msgs []bus.Message) error {
				return r.handleBatch(ctx, topic, msgs)
			})
		})
	}
	g.Go(func() error {
		return r.statsLoop(ctx)
	})
	return g.Wait()
}

// handleBatch processes messages individually so one bad payload never
// poisons its batch. The batch is always acknowledged.
func (r *Runner) handleBatch(ctx context.Context, topic string, msgs []bus.Message) error {
	for _, m := range msgs {
		sigs, err := r.proc.Process(ctx, topic, m.Data)
		if err != nil {
			r.logger.Warn("message skipped", "topic", topic, "id", m.ID, "error", err)
			r.count(func() { r.errored++ })
			continue
		}
		r.count(func() { r.processed++ })

		for _, sig := range sigs {
			if err := r.pub.PublishSignal(ctx, r.proc.OutputTopic(), sig); err != nil {
				r.logger.Error("publish failed", "signal_type", sig.SignalType,
					"market", sig.MarketTicker, "error", err)
				r.count(func() { r.errored++ })
				continue
			}
			r.count(func() { r.emitted++ })
		}
	}
	return nil
}

func (r *Runner) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r.mu.Lock()
		processed, emitted, errored := r.processed, r.emitted, r.errored
		r.processed, r.emitted, r.errored = 0, 0, 0
		r.mu.Unlock()

		r.logger.Info("processor stats",
			"processed", processed, "emitted", emitted, "errors", errored)
	}
}

func (r *Runner) count(f func()) {
	r.mu.Lock()
	f()
	r.mu.Unlock()
}

func consumerName(processor, topic string) string {
	return processor + "_" + strings.ReplaceAll(topic, ":", "_")
}

// pushBounded appends v, dropping the oldest entry once the window is
// past its cap.
func pushBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[1:]
	}
	return s
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
