package gapfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Gap thresholds. Trades in an open market should not go quiet longer
// than five minutes; tickers are sparser.
const (
	DefaultTradeGapThreshold  = 300 * time.Second
	DefaultTickerGapThreshold = 600 * time.Second
	DefaultLookback           = 24 * time.Hour
)

// Gap is a hole between two consecutive persisted records.
type Gap struct {
	Start time.Time
	End   time.Time
}

// Duration is the length of the hole.
func (g Gap) Duration() time.Duration { return g.End.Sub(g.Start) }

// Detector finds gaps in the persisted trade and ticker record.
type Detector struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewDetector creates a gap detector.
func NewDetector(db *pgxpool.Pool, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{db: db, logger: logger.With("component", "gap_detector")}
}

// tsPair is one row of a LEAD-window query: a record timestamp and the
// timestamp of the record after it, nil for the last row.
type tsPair struct {
	ts   time.Time
	next *time.Time
}

// findGaps keeps the pairs whose inter-record delta exceeds maxGap.
func findGaps(pairs []tsPair, maxGap time.Duration) []Gap {
	var gaps []Gap
	for _, p := range pairs {
		if p.next == nil {
			continue
		}
		if p.next.Sub(p.ts) > maxGap {
			gaps = append(gaps, Gap{Start: p.ts, End: *p.next})
		}
	}
	return gaps
}

// CheckTradeContinuity returns the gaps longer than maxGap between
// consecutive trades of a market inside [start, end]. maxGap <= 0 uses
// the trade default.
func (d *Detector) CheckTradeContinuity(ctx context.Context, ticker string, start, end time.Time, maxGap time.Duration) ([]Gap, error) {
	if maxGap <= 0 {
		maxGap = DefaultTradeGapThreshold
	}
	pairs, err := d.leadWindow(ctx, "trades", ticker, start, end)
	if err != nil {
		return nil, fmt.Errorf("trade continuity %s: %w", ticker, err)
	}

	gaps := findGaps(pairs, maxGap)
	if len(gaps) > 0 {
		var total time.Duration
		for _, g := range gaps {
			total += g.Duration()
		}
		d.logger.Warn("trade gaps detected",
			"market", ticker,
			"gaps", len(gaps),
			"total_gap", total,
		)
	}
	return gaps, nil
}

// CheckTickerContinuity is the same check over ticker_updates.
func (d *Detector) CheckTickerContinuity(ctx context.Context, ticker string, start, end time.Time, maxGap time.Duration) ([]Gap, error) {
	if maxGap <= 0 {
		maxGap = DefaultTickerGapThreshold
	}
	pairs, err := d.leadWindow(ctx, "ticker_updates", ticker, start, end)
	if err != nil {
		return nil, fmt.Errorf("ticker continuity %s: %w", ticker, err)
	}

	gaps := findGaps(pairs, maxGap)
	if len(gaps) > 0 {
		d.logger.Warn("ticker gaps detected", "market", ticker, "gaps", len(gaps))
	}
	return gaps, nil
}

func (d *Detector) leadWindow(ctx context.Context, table, ticker string, start, end time.Time) ([]tsPair, error) {
	// table is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		SELECT ts, LEAD(ts) OVER (ORDER BY ts) AS next_ts
		FROM %s
		WHERE market_ticker = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts
	`, table)

	rows, err := d.db.Query(ctx, query, ticker, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []tsPair
	for rows.Next() {
		var p tsPair
		if err := rows.Scan(&p.ts, &p.next); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// CheckAllActiveMarkets runs trade continuity over every open market
// for the lookback horizon. Markets without gaps are omitted from the
// result. lookback <= 0 uses the default.
func (d *Detector) CheckAllActiveMarkets(ctx context.Context, lookback time.Duration) (map[string][]Gap, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	end := time.Now().UTC()
	start := end.Add(-lookback)

	rows, err := d.db.Query(ctx, `SELECT ticker FROM markets WHERE status = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("list open markets: %w", err)
	}
	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list open markets: %w", err)
		}
		tickers = append(tickers, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open markets: %w", err)
	}

	results := make(map[string][]Gap)
	for _, ticker := range tickers {
		gaps, err := d.CheckTradeContinuity(ctx, ticker, start, end, 0)
		if err != nil {
			d.logger.Error("continuity check failed", "market", ticker, "error", err)
			continue
		}
		if len(gaps) > 0 {
			results[ticker] = gaps
		}
	}

	d.logger.Info("gap check complete",
		"markets_checked", len(tickers),
		"markets_with_gaps", len(results),
	)
	return results, nil
}
