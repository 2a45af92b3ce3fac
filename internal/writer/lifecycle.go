package writer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// LifecycleWriter consumes the lifecycle topic. Each event is recorded
// in lifecycle_events and, in the same transaction, mirrored onto
// markets.status so metadata never lags the event log.
type LifecycleWriter struct {
	db       *pgxpool.Pool
	consumer *bus.Consumer
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

func NewLifecycleWriter(db *pgxpool.Pool, rdb redis.Cmdable, logger *slog.Logger) *LifecycleWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lifecycle_writer")
	return &LifecycleWriter{
		db:       db,
		consumer: bus.NewConsumer(rdb, bus.GroupWriters, "lifecycle_writer_1", LifecycleBatchSize, logger),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *LifecycleWriter) Run(ctx context.Context) error {
	w.logger.Info("lifecycle writer started")
	return w.consumer.Consume(ctx, bus.TopicLifecycle, w.handleBatch)
}

// Stats returns current metrics.
func (w *LifecycleWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *LifecycleWriter) handleBatch(ctx context.Context, msgs []bus.Message) error {
	events := decodeBatch[model.MarketLifecycleEvent](w.logger, msgs, nil)
	if len(events) == 0 {
		return nil
	}
	return flushWithRetry(ctx, w.logger, "lifecycle_events", func(ctx context.Context) error {
		return w.insert(ctx, events)
	})
}

func (w *LifecycleWriter) insert(ctx context.Context, events []model.MarketLifecycleEvent) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO lifecycle_events (ts, market_ticker, market_id, event_type, status, result)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.Time(), e.MarketTicker, nullable(e.MarketID), nullable(e.EventType),
			nullable(e.EffectiveStatus()), nullable(e.Result))
		if err != nil {
			w.countError()
			return err
		}

		if status := e.EffectiveStatus(); status != "" {
			_, err := tx.Exec(ctx, `
				UPDATE markets SET status = $1, last_synced_at = NOW()
				WHERE ticker = $2
			`, status, e.MarketTicker)
			if err != nil {
				w.countError()
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		w.countError()
		return err
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(events))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed lifecycle events", "count", len(events))
	return nil
}

func (w *LifecycleWriter) countError() {
	w.mu.Lock()
	w.metrics.Errors++
	w.mu.Unlock()
}

// nullable maps empty strings to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
