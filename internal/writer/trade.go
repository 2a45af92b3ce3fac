package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// TradeWriter consumes the trades topic and batch-inserts into the
// trades hypertable. Inserts are idempotent on trade_id, so redelivered
// batches and backfill overlap are absorbed as conflicts.
type TradeWriter struct {
	db       *pgxpool.Pool
	consumer *bus.Consumer
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewTradeWriter creates the trades consumer. batchSize <= 0 uses the
// bus default.
func NewTradeWriter(db *pgxpool.Pool, rdb redis.Cmdable, batchSize int64, logger *slog.Logger) *TradeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "trade_writer")
	return &TradeWriter{
		db:       db,
		consumer: bus.NewConsumer(rdb, bus.GroupWriters, "trade_writer_1", batchSize, logger),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *TradeWriter) Run(ctx context.Context) error {
	w.logger.Info("trade writer started")
	return w.consumer.Consume(ctx, bus.TopicTrades, w.handleBatch)
}

// Stats returns current metrics.
func (w *TradeWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *TradeWriter) handleBatch(ctx context.Context, msgs []bus.Message) error {
	trades := decodeBatch(w.logger, msgs, model.Trade.Validate)
	if len(trades) == 0 {
		return nil
	}
	return flushWithRetry(ctx, w.logger, "trades", func(ctx context.Context) error {
		return w.insert(ctx, trades)
	})
}

func (w *TradeWriter) insert(ctx context.Context, trades []model.Trade) error {
	start := time.Now()

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (ts, trade_id, market_ticker, yes_price, no_price, count, taker_side)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (trade_id, ts) DO NOTHING
		`, t.Time(), t.TradeID, t.MarketTicker, t.YesPrice, t.NoPrice, t.Count, string(t.TakerSide))
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for range trades {
		ct, err := results.Exec()
		if err != nil {
			w.mu.Lock()
			w.metrics.Errors++
			w.mu.Unlock()
			return err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(trades) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed trades",
		"count", len(trades),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}
