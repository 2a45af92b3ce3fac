package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

const defaultSignalTTL = 300

// SignalWriter consumes signals:all and records every emitted signal in
// signal_log with its expiry precomputed for retention queries.
type SignalWriter struct {
	db       *pgxpool.Pool
	consumer *bus.Consumer
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

func NewSignalWriter(db *pgxpool.Pool, rdb redis.Cmdable, logger *slog.Logger) *SignalWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "signal_writer")
	return &SignalWriter{
		db:       db,
		consumer: bus.NewConsumer(rdb, bus.GroupWriters, "signal_writer_1", SignalBatchSize, logger),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *SignalWriter) Run(ctx context.Context) error {
	w.logger.Info("signal writer started")
	return w.consumer.Consume(ctx, bus.TopicSignalsAll, w.handleBatch)
}

// Stats returns current metrics.
func (w *SignalWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *SignalWriter) handleBatch(ctx context.Context, msgs []bus.Message) error {
	signals := decodeBatch(w.logger, msgs, model.Signal.Validate)
	if len(signals) == 0 {
		return nil
	}
	return flushWithRetry(ctx, w.logger, "signal_log", func(ctx context.Context) error {
		return w.insert(ctx, signals)
	})
}

func (w *SignalWriter) insert(ctx context.Context, signals []model.Signal) error {
	batch := &pgx.Batch{}
	for _, s := range signals {
		if s.TTLSeconds <= 0 {
			s.TTLSeconds = defaultSignalTTL
		}
		metadata, err := json.Marshal(s.Metadata)
		if err != nil {
			w.logger.Warn("metadata marshal skip", "signal_id", s.SignalID, "error", err)
			metadata = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO signal_log (ts, signal_id, signal_type, market_ticker,
				event_ticker, series_ticker, direction, strength, confidence,
				urgency, metadata, ttl_seconds, expired_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT DO NOTHING
		`, s.TS, s.SignalID, s.SignalType, s.MarketTicker,
			nullable(s.EventTicker), nullable(s.SeriesTicker), string(s.Direction),
			s.Strength, s.Confidence, string(s.Urgency), metadata,
			s.TTLSeconds, s.ExpiresAt())
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range signals {
		if _, err := results.Exec(); err != nil {
			w.mu.Lock()
			w.metrics.Errors++
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(signals))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed signals", "count", len(signals))
	return nil
}

// CompositeWriter consumes signals:composite and records the fused
// score with the ids of the signals behind it.
type CompositeWriter struct {
	db       *pgxpool.Pool
	consumer *bus.Consumer
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

func NewCompositeWriter(db *pgxpool.Pool, rdb redis.Cmdable, logger *slog.Logger) *CompositeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "composite_writer")
	return &CompositeWriter{
		db:       db,
		consumer: bus.NewConsumer(rdb, bus.GroupWriters, "composite_writer_1", SignalBatchSize, logger),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *CompositeWriter) Run(ctx context.Context) error {
	w.logger.Info("composite writer started")
	return w.consumer.Consume(ctx, bus.TopicSignalsComposite, w.handleBatch)
}

// Stats returns current metrics.
func (w *CompositeWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *CompositeWriter) handleBatch(ctx context.Context, msgs []bus.Message) error {
	composites := decodeBatch[model.CompositeSignal](w.logger, msgs, nil)
	if len(composites) == 0 {
		return nil
	}
	return flushWithRetry(ctx, w.logger, "composite_log", func(ctx context.Context) error {
		return w.insert(ctx, composites)
	})
}

func (w *CompositeWriter) insert(ctx context.Context, composites []model.CompositeSignal) error {
	batch := &pgx.Batch{}
	for _, c := range composites {
		batch.Queue(`
			INSERT INTO composite_log (ts, market_ticker, event_ticker, series_ticker,
				direction, composite_score, regime, active_signal_count, active_signal_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, c.TS, c.MarketTicker, nullable(c.EventTicker), nullable(c.SeriesTicker),
			string(c.Direction), c.CompositeScore, string(c.Regime),
			len(c.ActiveSignals), activeSignalIDs(c))
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range composites {
		if _, err := results.Exec(); err != nil {
			w.mu.Lock()
			w.metrics.Errors++
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(composites))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed composites", "count", len(composites))
	return nil
}

func activeSignalIDs(c model.CompositeSignal) []string {
	ids := make([]string, 0, len(c.ActiveSignals))
	for _, s := range c.ActiveSignals {
		ids = append(ids, s.SignalID)
	}
	return ids
}

// RegimeWriter consumes signals:regime; every regime_change signal
// becomes a regime_log transition row built from the signal metadata.
type RegimeWriter struct {
	db       *pgxpool.Pool
	consumer *bus.Consumer
	logger   *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

func NewRegimeWriter(db *pgxpool.Pool, rdb redis.Cmdable, logger *slog.Logger) *RegimeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "regime_writer")
	return &RegimeWriter{
		db:       db,
		consumer: bus.NewConsumer(rdb, bus.GroupWriters, "regime_writer_1", SignalBatchSize, logger),
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *RegimeWriter) Run(ctx context.Context) error {
	w.logger.Info("regime writer started")
	return w.consumer.Consume(ctx, bus.TopicSignalsRegime, w.handleBatch)
}

// Stats returns current metrics.
func (w *RegimeWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *RegimeWriter) handleBatch(ctx context.Context, msgs []bus.Message) error {
	signals := decodeBatch[model.Signal](w.logger, msgs, nil)
	if len(signals) == 0 {
		return nil
	}

	rows := make([]regimeRow, 0, len(signals))
	for _, s := range signals {
		rows = append(rows, regimeRowFromSignal(s))
	}

	return flushWithRetry(ctx, w.logger, "regime_log", func(ctx context.Context) error {
		return w.insert(ctx, rows)
	})
}

type regimeRow struct {
	TS             time.Time
	MarketTicker   string
	OldRegime      *string
	NewRegime      string
	TradeRate      *float64
	MessageRate    *float64
	DepthImbalance *float64
}

func regimeRowFromSignal(s model.Signal) regimeRow {
	row := regimeRow{
		TS:             s.TS,
		MarketTicker:   s.MarketTicker,
		OldRegime:      metaString(s.Metadata, "old_regime"),
		NewRegime:      "unknown",
		TradeRate:      metaFloat(s.Metadata, "trade_rate"),
		MessageRate:    metaFloat(s.Metadata, "message_rate"),
		DepthImbalance: metaFloat(s.Metadata, "depth_imbalance"),
	}
	if v := metaString(s.Metadata, "new_regime"); v != nil {
		row.NewRegime = *v
	} else if s.Direction != "" {
		row.NewRegime = string(s.Direction)
	}
	return row
}

func (w *RegimeWriter) insert(ctx context.Context, rows []regimeRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO regime_log (ts, market_ticker, old_regime, new_regime,
				trade_rate, message_rate, depth_imbalance)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.TS, r.MarketTicker, r.OldRegime, r.NewRegime,
			r.TradeRate, r.MessageRate, r.DepthImbalance)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			w.mu.Lock()
			w.metrics.Errors++
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(rows))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed regime transitions", "count", len(rows))
	return nil
}

func metaString(md map[string]any, key string) *string {
	if v, ok := md[key].(string); ok {
		return &v
	}
	return nil
}

func metaFloat(md map[string]any, key string) *float64 {
	switch v := md[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}
