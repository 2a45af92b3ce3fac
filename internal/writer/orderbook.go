package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
	"github.com/rickgao/kalshi-alpha/internal/state"
)

// BookSource is the slice of the state store the periodic snapshot task
// reads from.
type BookSource interface {
	BookTickers(ctx context.Context) ([]string, error)
	Book(ctx context.Context, ticker string) (*state.Book, error)
}

// OrderbookWriter persists the two orderbook topics and, on a timer,
// derives snapshot rows from the live books in the state store.
type OrderbookWriter struct {
	db               *pgxpool.Pool
	deltaConsumer    *bus.Consumer
	snapshotConsumer *bus.Consumer
	books            BookSource
	snapshotInterval time.Duration
	logger           *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

func NewOrderbookWriter(db *pgxpool.Pool, rdb redis.Cmdable, books BookSource, snapshotInterval time.Duration, logger *slog.Logger) *OrderbookWriter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orderbook_writer")
	if snapshotInterval <= 0 {
		snapshotInterval = 60 * time.Second
	}
	return &OrderbookWriter{
		db:               db,
		deltaConsumer:    bus.NewConsumer(rdb, bus.GroupWriters, "ob_writer_delta_1", DeltaBatchSize, logger),
		snapshotConsumer: bus.NewConsumer(rdb, bus.GroupWriters, "ob_writer_snap_1", SnapshotBatchSize, logger),
		books:            books,
		snapshotInterval: snapshotInterval,
		logger:           logger,
	}
}

// Run drives the delta consumer, the snapshot consumer, and the
// periodic snapshot task until ctx is cancelled.
func (w *OrderbookWriter) Run(ctx context.Context) error {
	w.logger.Info("orderbook writer started", "snapshot_interval", w.snapshotInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.deltaConsumer.Consume(ctx, bus.TopicOrderbookDeltas, w.handleDeltaBatch)
	})
	g.Go(func() error {
		return w.snapshotConsumer.Consume(ctx, bus.TopicOrderbookSnapshots, w.handleSnapshotBatch)
	})
	g.Go(func() error {
		return w.periodicSnapshots(ctx)
	})
	return g.Wait()
}

// Stats returns current metrics.
func (w *OrderbookWriter) Stats() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *OrderbookWriter) handleDeltaBatch(ctx context.Context, msgs []bus.Message) error {
	deltas := decodeBatch(w.logger, msgs, model.OrderbookDelta.Validate)
	if len(deltas) == 0 {
		return nil
	}
	return flushWithRetry(ctx, w.logger, "orderbook_deltas", func(ctx context.Context) error {
		return w.insertDeltas(ctx, deltas)
	})
}

func (w *OrderbookWriter) insertDeltas(ctx context.Context, deltas []model.OrderbookDelta) error {
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO orderbook_deltas (ts, market_ticker, price, delta, side, is_own_order)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, d.Time(), d.MarketTicker, d.Price, d.Delta, string(d.Side), d.IsOwnOrder())
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range deltas {
		if _, err := results.Exec(); err != nil {
			w.mu.Lock()
			w.metrics.Errors++
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Lock()
	w.metrics.Inserts += int64(len(deltas))
	w.metrics.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed orderbook deltas", "count", len(deltas))
	return nil
}

func (w *OrderbookWriter) handleSnapshotBatch(ctx context.Context, msgs []bus.Message) error {
	snaps := decodeBatch[model.OrderbookSnapshot](w.logger, msgs, nil)
	if len(snaps) == 0 {
		return nil
	}

	rows := make([]snapshotRow, 0, len(snaps))
	for _, s := range snaps {
		row, err := streamSnapshotRow(s, time.Now().UTC())
		if err != nil {
			w.logger.Warn("snapshot row skip", "ticker", s.MarketTicker, "error", err)
			continue
		}
		rows = append(rows, row)
	}

	return flushWithRetry(ctx, w.logger, "orderbook_snapshots", func(ctx context.Context) error {
		return w.insertSnapshots(ctx, rows)
	})
}

// periodicSnapshots walks every live book in the state store and
// persists a derived snapshot row with spread and top-5 depth.
func (w *OrderbookWriter) periodicSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(w.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		tickers, err := w.books.BookTickers(ctx)
		if err != nil {
			w.logger.Error("book scan failed", "error", err)
			continue
		}

		rows := make([]snapshotRow, 0, len(tickers))
		now := time.Now().UTC()
		for _, t := range tickers {
			book, err := w.books.Book(ctx, t)
			if err != nil {
				w.logger.Warn("book read failed", "ticker", t, "error", err)
				continue
			}
			if book == nil {
				continue
			}
			row, err := derivedSnapshotRow(book, now)
			if err != nil {
				w.logger.Warn("snapshot row skip", "ticker", t, "error", err)
				continue
			}
			rows = append(rows, row)
		}

		if len(rows) == 0 {
			continue
		}
		if err := w.insertSnapshots(ctx, rows); err != nil {
			w.logger.Error("periodic snapshot insert failed", "error", err, "count", len(rows))
			continue
		}
		w.logger.Info("periodic snapshots taken", "count", len(rows))
	}
}

func (w *OrderbookWriter) insertSnapshots(ctx context.Context, rows []snapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO orderbook_snapshots (ts, market_ticker, yes_levels, no_levels,
				spread, yes_depth_5, no_depth_5)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.TS, r.MarketTicker, r.YesLevels, r.NoLevels, r.Spread, r.YesDepth5, r.NoDepth5)
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
	return nil
}

type snapshotRow struct {
	TS           time.Time
	MarketTicker string
	YesLevels    []byte
	NoLevels     []byte
	Spread       *int // NULL when a side is empty
	YesDepth5    int
	NoDepth5     int
}

// streamSnapshotRow builds a row from a wire snapshot.
func streamSnapshotRow(s model.OrderbookSnapshot, now time.Time) (snapshotRow, error) {
	ts := now
	if s.TS > 0 {
		ts = time.Unix(s.TS, 0).UTC()
	}

	yes, err := json.Marshal(levelsOrEmpty(s.Yes))
	if err != nil {
		return snapshotRow{}, err
	}
	no, err := json.Marshal(levelsOrEmpty(s.No))
	if err != nil {
		return snapshotRow{}, err
	}

	row := snapshotRow{
		TS:           ts,
		MarketTicker: s.MarketTicker,
		YesLevels:    yes,
		NoLevels:     no,
		YesDepth5:    s.YesDepth5(),
		NoDepth5:     s.NoDepth5(),
	}
	if spread, ok := s.Spread(); ok {
		row.Spread = &spread
	}
	return row, nil
}

// derivedSnapshotRow builds a row from a live state-store book.
func derivedSnapshotRow(book *state.Book, now time.Time) (snapshotRow, error) {
	snap := model.OrderbookSnapshot{
		MarketTicker: book.MarketTicker,
		Yes:          sideLevels(book.Yes),
		No:           sideLevels(book.No),
	}
	return streamSnapshotRow(snap, now)
}

// sideLevels converts a price→qty map into levels sorted by descending
// price so persisted books are deterministic.
func sideLevels(side map[int]int) []model.PriceLevel {
	levels := make([]model.PriceLevel, 0, len(side))
	for price, qty := range side {
		levels = append(levels, model.PriceLevel{Price: price, Qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return levels
}

func levelsOrEmpty(levels []model.PriceLevel) []model.PriceLevel {
	if levels == nil {
		return []model.PriceLevel{}
	}
	return levels
}
