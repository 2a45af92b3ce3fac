package writer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// TickerWriter consumes the ticker_v2 topic and batch-inserts into the
// ticker_updates hypertable. Optional fields pass through as NULL.
type TickerWriter struct {
	db       *pgxpool.Pool
	consumer *bus.Consumer
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

func NewTickerWriter(db *pgxpool.Pool, rdb redis.Cmdable, logger *slog.Logger) *TickerWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ticker_writer")
	return &TickerWriter{
		db:       db,
		consumer: bus.NewConsumer(rdb, bus.GroupWriters, "ticker_writer_1", TickerBatchSize, logger),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *TickerWriter) Run(ctx context.Context) error {
	w.logger.Info("ticker writer started")
	return w.consumer.Consume(ctx, bus.TopicTickerV2, w.handleBatch)
}

// Stats returns current metrics.
func (w *TickerWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *TickerWriter) handleBatch(ctx context.Context, msgs []bus.Message) error {
	updates := decodeBatch(w.logger, msgs, model.TickerUpdate.Validate)
	if len(updates) == 0 {
		return nil
	}
	return flushWithRetry(ctx, w.logger, "ticker_updates", func(ctx context.Context) error {
		return w.insert(ctx, updates)
	})
}

func (w *TickerWriter) insert(ctx context.Context, updates []model.TickerUpdate) error {
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			INSERT INTO ticker_updates (ts, market_ticker, price, volume_delta,
				open_interest_delta, dollar_volume_delta, dollar_open_interest_delta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, u.Time(), u.MarketTicker, u.Price, u.VolumeDelta,
			u.OpenInterestDelta, u.DollarVolumeDelta, u.DollarOpenInterestDelta)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range updates {
		if _, err := results.Exec(); err != nil {
			w.mu.Lock()
			w.metrics.Errors++
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(updates))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed ticker updates", "count", len(updates))
	return nil
}
