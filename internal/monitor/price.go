package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kalshi-alpha/internal/state"
)

// DefaultSnapshotInterval is the price snapshot cadence.
const DefaultSnapshotInterval = 30 * time.Second

const snapshotFlushAttempts = 3

// PriceState is the slice of the state store the snapshot service
// reads.
type PriceState interface {
	TickerState(ctx context.Context, ticker string) (*state.TickerState, error)
	Book(ctx context.Context, ticker string) (*state.Book, error)
}

// PriceSnapshot is one persisted per-market price row.
type PriceSnapshot struct {
	TS           time.Time
	MarketTicker string
	YesPrice     int
	YesBid       *int
	YesAsk       *int
	Spread       *int
	Volume24h    *int64
	OpenInterest *int64
}

// PriceSnapshotService periodically persists the current price of every
// recently active market. Price resolution falls back from live ticker
// state to the orderbook midpoint to the last persisted trade.
type PriceSnapshotService struct {
	db       *pgxpool.Pool
	prices   PriceState
	interval time.Duration
	logger   *slog.Logger

	total int64
}

// NewPriceSnapshotService creates the service. interval <= 0 uses the
// default.
func NewPriceSnapshotService(db *pgxpool.Pool, prices PriceState, interval time.Duration, logger *slog.Logger) *PriceSnapshotService {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &PriceSnapshotService{
		db:       db,
		prices:   prices,
		interval: interval,
		logger:   logger.With("component", "price_snapshots"),
	}
}

// Run snapshots until ctx is cancelled.
func (p *PriceSnapshotService) Run(ctx context.Context) error {
	p.logger.Info("price snapshot service started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.takeSnapshots(ctx); err != nil {
			p.logger.Error("snapshot cycle failed", "error", err)
		}
	}
}

func (p *PriceSnapshotService) takeSnapshots(ctx context.Context) error {
	tickers, err := p.activeTickers(ctx)
	if err != nil {
		return err
	}
	if len(tickers) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]PriceSnapshot, 0, len(tickers))
	for _, ticker := range tickers {
		snap, err := p.buildSnapshot(ctx, ticker, now)
		if err != nil {
			p.logger.Debug("snapshot build failed", "market", ticker, "error", err)
			continue
		}
		if snap != nil {
			rows = append(rows, *snap)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	if err := p.flush(ctx, rows); err != nil {
		return err
	}
	p.total += int64(len(rows))
	p.logger.Debug("snapshots taken", "count", len(rows), "total", p.total)
	return nil
}

// activeTickers lists markets that traded in the last four hours.
func (p *PriceSnapshotService) activeTickers(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT DISTINCT market_ticker
		FROM trades
		WHERE ts > NOW() - INTERVAL '4 hours'
		ORDER BY market_ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("active tickers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PriceSnapshotService) buildSnapshot(ctx context.Context, ticker string, now time.Time) (*PriceSnapshot, error) {
	ts, err := p.prices.TickerState(ctx, ticker)
	if err != nil {
		return nil, err
	}
	book, err := p.prices.Book(ctx, ticker)
	if err != nil {
		return nil, err
	}

	snap := assembleSnapshot(ticker, now, ts, book)

	// Last resort: the most recent persisted trade.
	if snap.YesPrice < 0 {
		var last int
		err := p.db.QueryRow(ctx, `
			SELECT yes_price FROM trades
			WHERE market_ticker = $1
			ORDER BY ts DESC LIMIT 1
		`, ticker).Scan(&last)
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		snap.YesPrice = last
	}

	return &snap, nil
}

// assembleSnapshot resolves price fields from cached state. YesPrice is
// -1 when neither ticker state nor the book could produce one.
func assembleSnapshot(ticker string, now time.Time, ts *state.TickerState, book *state.Book) PriceSnapshot {
	snap := PriceSnapshot{TS: now, MarketTicker: ticker, YesPrice: -1}

	if ts != nil {
		if ts.Price != nil {
			snap.YesPrice = *ts.Price
		}
		snap.Volume24h = ts.Volume24h
		snap.OpenInterest = ts.OpenInterest
	}

	if book != nil {
		if bid, ok := bestPrice(book.Yes); ok {
			snap.YesBid = &bid
		}
		if noBid, ok := bestPrice(book.No); ok {
			ask := 100 - noBid
			snap.YesAsk = &ask
		}
		if snap.YesBid != nil && snap.YesAsk != nil {
			spread := *snap.YesAsk - *snap.YesBid
			snap.Spread = &spread
		}
	}

	if snap.YesPrice < 0 && snap.YesBid != nil && snap.YesAsk != nil {
		snap.YesPrice = int(math.Round(float64(*snap.YesBid+*snap.YesAsk) / 2))
	}

	return snap
}

func bestPrice(side map[int]int) (int, bool) {
	best, ok := 0, false
	for price := range side {
		if !ok || price > best {
			best, ok = price, true
		}
	}
	return best, ok
}

func (p *PriceSnapshotService) flush(ctx context.Context, rows []PriceSnapshot) error {
	var lastErr error
	for attempt := 1; attempt <= snapshotFlushAttempts; attempt++ {
		lastErr = p.insert(ctx, rows)
		if lastErr == nil {
			return nil
		}
		p.logger.Error("snapshot flush failed", "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}
	return fmt.Errorf("flush price snapshots: %w", lastErr)
}

func (p *PriceSnapshotService) insert(ctx context.Context, rows []PriceSnapshot) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO price_snapshots (ts, market_ticker, yes_price, yes_bid,
			                             yes_ask, spread, volume_24h, open_interest)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.TS, r.MarketTicker, r.YesPrice, r.YesBid, r.YesAsk, r.Spread, r.Volume24h, r.OpenInterest)
	}

	br := p.db.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
