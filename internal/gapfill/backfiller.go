package gapfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/kalshi-alpha/internal/api"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// pageDelay spaces paginated fetches to stay inside the REST budget.
const pageDelay = 500 * time.Millisecond

// candlestickInterval is the fallback OHLC bucket size in minutes.
const candlestickInterval = 60

// TradesAPI is the slice of the REST client the backfiller needs.
type TradesAPI interface {
	GetTrades(ctx context.Context, ticker string, opts api.GetTradesOptions) (*api.TradesResponse, error)
	GetCandlesticks(ctx context.Context, seriesTicker, marketTicker string, periodInterval int) (*api.CandlesticksResponse, error)
}

// DB is the slice of the connection pool the backfiller needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Result summarizes one backfill window. Fetched counts records the
// API returned; Inserted excludes rows already present.
type Result struct {
	Fetched  int
	Inserted int
}

// Backfiller re-fetches trade windows over REST and inserts them with
// the same idempotent policy the writers use, so overlap with already
// persisted data is absorbed as conflicts.
type Backfiller struct {
	client TradesAPI
	db     DB
	logger *slog.Logger
}

// NewBackfiller creates a backfiller.
func NewBackfiller(client TradesAPI, db DB, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{client: client, db: db, logger: logger.With("component", "backfiller")}
}

// BackfillTrades fetches every trade for a market in [start, end] and
// inserts the ones not already present.
func (b *Backfiller) BackfillTrades(ctx context.Context, ticker string, start, end time.Time) (Result, error) {
	var res Result
	cursor := ""

	for {
		resp, err := b.client.GetTrades(ctx, ticker, api.GetTradesOptions{
			Cursor: cursor,
			MinTS:  start.Unix(),
			MaxTS:  end.Unix(),
		})
		if err != nil {
			return res, fmt.Errorf("backfill fetch %s: %w", ticker, err)
		}
		if len(resp.Trades) == 0 {
			break
		}

		trades := make([]model.Trade, 0, len(resp.Trades))
		for _, t := range resp.Trades {
			if err := t.Validate(); err != nil {
				b.logger.Warn("backfill parse skip", "market", ticker, "error", err)
				continue
			}
			trades = append(trades, t)
		}
		res.Fetched += len(trades)

		inserted, err := b.insertTrades(ctx, trades)
		if err != nil {
			return res, fmt.Errorf("backfill insert %s: %w", ticker, err)
		}
		res.Inserted += inserted

		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(pageDelay):
		}
	}

	b.logger.Info("backfill complete",
		"market", ticker,
		"start", start,
		"end", end,
		"fetched", res.Fetched,
		"inserted", res.Inserted,
	)
	return res, nil
}

func (b *Backfiller) insertTrades(ctx context.Context, trades []model.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (ts, trade_id, market_ticker, yes_price, no_price, count, taker_side)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (trade_id, ts) DO NOTHING
		`, t.Time(), t.TradeID, t.MarketTicker, t.YesPrice, t.NoPrice, t.Count, string(t.TakerSide))
	}

	results := b.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range trades {
		ct, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		if ct.RowsAffected() > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// BackfillGaps repairs every detected gap. When a market's windows
// yield no trades at all, the candlestick fallback records coarse
// coverage instead. Returns records fetched per market.
func (b *Backfiller) BackfillGaps(ctx context.Context, gaps map[string][]Gap) map[string]int {
	results := make(map[string]int, len(gaps))

	for ticker, ranges := range gaps {
		total := 0
		for _, g := range ranges {
			res, err := b.BackfillTrades(ctx, ticker, g.Start, g.End)
			if err != nil {
				b.logger.Error("gap backfill failed", "market", ticker, "error", err)
				continue
			}
			total += res.Fetched
		}
		results[ticker] = total

		if total == 0 {
			if n, err := b.backfillCandlesticks(ctx, ticker); err != nil {
				b.logger.Warn("candlestick fallback failed", "market", ticker, "error", err)
			} else {
				b.logger.Info("candlestick fallback", "market", ticker, "candles", n)
			}
		}
	}

	grand := 0
	for _, n := range results {
		grand += n
	}
	b.logger.Info("gap backfill complete", "markets", len(results), "records", grand)
	return results
}

// backfillCandlesticks fetches OHLC buckets when trade-level data is
// not available for the gap window.
func (b *Backfiller) backfillCandlesticks(ctx context.Context, ticker string) (int, error) {
	var series string
	err := b.db.QueryRow(ctx, `SELECT series_ticker FROM markets WHERE ticker = $1`, ticker).Scan(&series)
	if err != nil {
		return 0, fmt.Errorf("series lookup %s: %w", ticker, err)
	}
	if series == "" {
		return 0, nil
	}

	resp, err := b.client.GetCandlesticks(ctx, series, ticker, candlestickInterval)
	if err != nil {
		return 0, fmt.Errorf("candlesticks %s: %w", ticker, err)
	}
	return len(resp.Candlesticks), nil
}
