package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kalshi-alpha/internal/api"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// DefaultScanInterval is how often the full market scan runs.
const DefaultScanInterval = 300 * time.Second

// MarketsAPI is the slice of the REST client the scanner needs.
type MarketsAPI interface {
	GetMarkets(ctx context.Context, opts api.GetMarketsOptions) (*api.MarketsResponse, error)
	GetEvents(ctx context.Context, cursor string) (*api.EventsResponse, error)
	GetSeries(ctx context.Context, seriesTicker string) (*model.Series, error)
}

// MarketCache receives the refreshed market set, keyed for fast lookup.
type MarketCache interface {
	RefreshMarkets(ctx context.Context, markets []model.Market) error
}

// ScanResult summarizes one scan cycle.
type ScanResult struct {
	New    []model.Market
	Closed []string
	Total  int
}

// Scanner polls the REST API for the open-market universe, upserts
// metadata tables, and reports which markets appeared or disappeared
// since the last cycle.
type Scanner struct {
	client   MarketsAPI
	db       *pgxpool.Pool
	cache    MarketCache
	interval time.Duration
	logger   *slog.Logger

	known map[string]struct{}

	// onChange, when set, is called after each scan that found new or
	// closed markets. The subscription manager hangs off this.
	onChange func(ctx context.Context, res ScanResult)
}

// NewScanner creates a market scanner. interval <= 0 uses the default.
func NewScanner(client MarketsAPI, db *pgxpool.Pool, cache MarketCache, interval time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scanner{
		client:   client,
		db:       db,
		cache:    cache,
		interval: interval,
		logger:   logger.With("component", "market_scanner"),
		known:    make(map[string]struct{}),
	}
}

// OnChange registers the callback invoked after scans that changed the
// market set. Must be called before Run.
func (s *Scanner) OnChange(fn func(ctx context.Context, res ScanResult)) {
	s.onChange = fn
}

// Run scans immediately, then on every interval tick until ctx is
// cancelled. Scan errors are logged; the loop keeps going.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("market scanner started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.cycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) cycle(ctx context.Context) {
	res, err := s.ScanMarkets(ctx)
	if err != nil {
		s.logger.Error("market scan failed", "error", err)
		return
	}
	if err := s.ScanEvents(ctx); err != nil {
		s.logger.Error("event scan failed", "error", err)
	}
	if err := s.ScanSeries(ctx); err != nil {
		s.logger.Error("series scan failed", "error", err)
	}
	if s.onChange != nil && (len(res.New) > 0 || len(res.Closed) > 0) {
		s.onChange(ctx, res)
	}
}

// ScanMarkets paginates through all open markets, upserts them, and
// refreshes the Redis market cache. Returns the delta against the
// previous cycle.
func (s *Scanner) ScanMarkets(ctx context.Context) (ScanResult, error) {
	start := time.Now()

	markets, err := s.fetchAllMarkets(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	newMarkets, closed := diffMarkets(s.known, markets)

	if err := s.upsertMarkets(ctx, markets); err != nil {
		return ScanResult{}, fmt.Errorf("upsert markets: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.RefreshMarkets(ctx, markets); err != nil {
			s.logger.Warn("market cache refresh failed", "error", err)
		}
	}

	s.known = make(map[string]struct{}, len(markets))
	for _, m := range markets {
		s.known[m.Ticker] = struct{}{}
	}

	s.logger.Info("market scan complete",
		"total", len(markets),
		"new", len(newMarkets),
		"closed", len(closed),
		"duration", time.Since(start),
	)

	return ScanResult{New: newMarkets, Closed: closed, Total: len(markets)}, nil
}

func (s *Scanner) fetchAllMarkets(ctx context.Context) ([]model.Market, error) {
	var all []model.Market
	cursor := ""

	for {
		resp, err := s.client.GetMarkets(ctx, api.GetMarketsOptions{Status: "open", Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("fetch markets page: %w", err)
		}
		if len(resp.Markets) == 0 {
			break
		}
		all = append(all, resp.Markets...)
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}

	return all, nil
}

// diffMarkets splits the current set into markets not previously known
// and previously known tickers that vanished.
func diffMarkets(known map[string]struct{}, current []model.Market) (newMarkets []model.Market, closed []string) {
	seen := make(map[string]struct{}, len(current))
	for _, m := range current {
		seen[m.Ticker] = struct{}{}
		if _, ok := known[m.Ticker]; !ok {
			newMarkets = append(newMarkets, m)
		}
	}
	for t := range known {
		if _, ok := seen[t]; !ok {
			closed = append(closed, t)
		}
	}
	return newMarkets, closed
}

func (s *Scanner) upsertMarkets(ctx context.Context, markets []model.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(`
			INSERT INTO markets (ticker, event_ticker, series_ticker, title, subtitle,
			                     status, market_type, close_time, result, last_synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (ticker) DO UPDATE SET
				status = EXCLUDED.status,
				close_time = EXCLUDED.close_time,
				result = EXCLUDED.result,
				last_synced_at = NOW()
		`, m.Ticker, m.EventTicker, m.SeriesTicker, m.Title, m.Subtitle,
			m.Status, m.MarketType, m.CloseTime, m.Result)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range markets {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ScanEvents paginates through all events and upserts the events table.
func (s *Scanner) ScanEvents(ctx context.Context) error {
	cursor := ""
	total := 0

	for {
		resp, err := s.client.GetEvents(ctx, cursor)
		if err != nil {
			return fmt.Errorf("fetch events page: %w", err)
		}
		if len(resp.Events) == 0 {
			break
		}
		if err := s.upsertEvents(ctx, resp.Events); err != nil {
			return fmt.Errorf("upsert events: %w", err)
		}
		total += len(resp.Events)
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}

	s.logger.Debug("event scan complete", "total", total)
	return nil
}

func (s *Scanner) upsertEvents(ctx context.Context, events []model.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO events (ticker, series_ticker, title, category, last_synced_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (ticker) DO UPDATE SET
				title = EXCLUDED.title,
				category = EXCLUDED.category,
				last_synced_at = NOW()
		`, e.EventTicker, e.SeriesTicker, e.Title, e.Category)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ScanSeries fetches metadata for every series referenced by the
// markets table. Individual fetch failures are logged and skipped.
func (s *Scanner) ScanSeries(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT series_ticker FROM markets WHERE series_ticker <> ''`)
	if err != nil {
		return fmt.Errorf("list series tickers: %w", err)
	}
	tickers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("collect series tickers: %w", err)
	}

	for _, ticker := range tickers {
		series, err := s.client.GetSeries(ctx, ticker)
		if err != nil {
			s.logger.Warn("series fetch failed", "series", ticker, "error", err)
			continue
		}
		if err := s.upsertSeries(ctx, ticker, series); err != nil {
			s.logger.Warn("series upsert failed", "series", ticker, "error", err)
		}
	}

	s.logger.Debug("series scan complete", "count", len(tickers))
	return nil
}

func (s *Scanner) upsertSeries(ctx context.Context, ticker string, series *model.Series) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO series (ticker, title, category, frequency, last_synced_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (ticker) DO UPDATE SET
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			frequency = EXCLUDED.frequency,
			last_synced_at = NOW()
	`, ticker, series.Title, series.Category, series.Frequency)
	return err
}
