package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kalshi-alpha/internal/signals"
)

// relatedCacheTTL bounds how stale a cached same-event market list can
// get between scans.
const relatedCacheTTL = 60 * time.Second

// GraphCache stores the rebuilt series graph for other processes.
type GraphCache interface {
	SetSeriesGraph(ctx context.Context, seriesTicker string, graph map[string][]string) error
}

// SeriesMapper answers market-relationship queries off the metadata
// tables. It satisfies the graph dependency of the cross-market and
// lifecycle processors.
type SeriesMapper struct {
	db     *pgxpool.Pool
	cache  GraphCache
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	related map[string]relatedEntry
}

type relatedEntry struct {
	tickers []string
	fetched time.Time
}

// NewSeriesMapper creates a mapper. cache may be nil when graph
// publication is not needed.
func NewSeriesMapper(db *pgxpool.Pool, cache GraphCache, logger *slog.Logger) *SeriesMapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeriesMapper{
		db:      db,
		cache:   cache,
		logger:  logger.With("component", "series_mapper"),
		now:     time.Now,
		related: make(map[string]relatedEntry),
	}
}

// RelatedMarkets returns every market in the same event as ticker,
// the queried market included. Results are cached briefly.
func (m *SeriesMapper) RelatedMarkets(ctx context.Context, ticker string) ([]string, error) {
	m.mu.Lock()
	if e, ok := m.related[ticker]; ok && m.now().Sub(e.fetched) < relatedCacheTTL {
		tickers := e.tickers
		m.mu.Unlock()
		return tickers, nil
	}
	m.mu.Unlock()

	rows, err := m.db.Query(ctx, `
		SELECT m2.ticker
		FROM markets m1
		JOIN markets m2 ON m1.event_ticker = m2.event_ticker
		WHERE m1.ticker = $1 AND m2.status = 'open'
		ORDER BY m2.ticker
	`, ticker)
	if err != nil {
		return nil, fmt.Errorf("related markets %s: %w", ticker, err)
	}
	tickers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("related markets %s: %w", ticker, err)
	}

	m.mu.Lock()
	m.related[ticker] = relatedEntry{tickers: tickers, fetched: m.now()}
	m.mu.Unlock()

	return tickers, nil
}

// EventTicker returns the event a market belongs to, or "" when the
// market is unknown.
func (m *SeriesMapper) EventTicker(ctx context.Context, ticker string) (string, error) {
	var event string
	err := m.db.QueryRow(ctx, `SELECT event_ticker FROM markets WHERE ticker = $1`, ticker).Scan(&event)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("event ticker %s: %w", ticker, err)
	}
	return event, nil
}

// MarketTitles returns title and subtitle for every market in an event,
// keyed by market ticker.
func (m *SeriesMapper) MarketTitles(ctx context.Context, eventTicker string) (map[string]signals.MarketTitle, error) {
	rows, err := m.db.Query(ctx, `
		SELECT ticker, title, COALESCE(subtitle, '')
		FROM markets
		WHERE event_ticker = $1
	`, eventTicker)
	if err != nil {
		return nil, fmt.Errorf("market titles %s: %w", eventTicker, err)
	}
	defer rows.Close()

	titles := make(map[string]signals.MarketTitle)
	for rows.Next() {
		var ticker string
		var t signals.MarketTitle
		if err := rows.Scan(&ticker, &t.Title, &t.Subtitle); err != nil {
			return nil, fmt.Errorf("market titles %s: %w", eventTicker, err)
		}
		titles[ticker] = t
	}
	return titles, rows.Err()
}

// EventMarkets returns all markets under an event.
func (m *SeriesMapper) EventMarkets(ctx context.Context, eventTicker string) ([]string, error) {
	rows, err := m.db.Query(ctx, `SELECT ticker FROM markets WHERE event_ticker = $1`, eventTicker)
	if err != nil {
		return nil, fmt.Errorf("event markets %s: %w", eventTicker, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SeriesEvents returns all events under a series.
func (m *SeriesMapper) SeriesEvents(ctx context.Context, seriesTicker string) ([]string, error) {
	rows, err := m.db.Query(ctx, `SELECT ticker FROM events WHERE series_ticker = $1`, seriesTicker)
	if err != nil {
		return nil, fmt.Errorf("series events %s: %w", seriesTicker, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// BuildGraph rebuilds the series to event to market graph from the
// open markets and publishes one entry per series to the cache.
func (m *SeriesMapper) BuildGraph(ctx context.Context) error {
	rows, err := m.db.Query(ctx, `
		SELECT series_ticker, event_ticker, ticker
		FROM markets
		WHERE status = 'open'
		ORDER BY series_ticker, event_ticker, ticker
	`)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[string]map[string][]string)
	markets := 0
	for rows.Next() {
		var series, event, ticker string
		if err := rows.Scan(&series, &event, &ticker); err != nil {
			return fmt.Errorf("build graph: %w", err)
		}
		if graph[series] == nil {
			graph[series] = make(map[string][]string)
		}
		graph[series][event] = append(graph[series][event], ticker)
		markets++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	if m.cache != nil {
		for series, events := range graph {
			if err := m.cache.SetSeriesGraph(ctx, series, events); err != nil {
				m.logger.Warn("series graph cache failed", "series", series, "error", err)
			}
		}
	}

	m.logger.Info("market graph built", "series", len(graph), "markets", markets)
	return nil
}
