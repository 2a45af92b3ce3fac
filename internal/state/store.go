// Package state is the shared key/value cache: authoritative current
// orderbooks, per-market regime summaries, market metadata, and
// component health snapshots.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/model"
)

// Key layout and TTLs.
const (
	orderbookKeyPrefix = "state:orderbook:"
	regimeKeyPrefix    = "state:regime:"
	tickerKeyPrefix    = "state:ticker:"
	marketsKey         = "meta:markets"
	seriesKeyPrefix    = "meta:series:"
	healthKeyPrefix    = "health:"

	regimeTTL = 120 * time.Second
	metaTTL   = 300 * time.Second
	healthTTL = 60 * time.Second
)

// ErrNoSnapshot is returned when a delta arrives for a market whose book
// has never been snapshotted. Callers drop the delta and wait for the
// next snapshot.
var ErrNoSnapshot = errors.New("no orderbook snapshot for market")

// Book is the cached orderbook for one market, keyed price -> quantity.
type Book struct {
	MarketTicker string      `json:"market_ticker"`
	Yes          map[int]int `json:"yes"`
	No           map[int]int `json:"no"`
}

// Store wraps the Redis client with the pipeline's key conventions.
type Store struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

// NewStore creates a store. A nil logger falls back to the default.
func NewStore(rdb redis.Cmdable, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger.With("component", "state")}
}

// -----------------------------------------------------------------------------
// Orderbook
// -----------------------------------------------------------------------------

// ApplySnapshot replaces the cached book for the snapshot's market.
func (s *Store) ApplySnapshot(ctx context.Context, snap model.OrderbookSnapshot) error {
	book := Book{
		MarketTicker: snap.MarketTicker,
		Yes:          levelsToMap(snap.Yes),
		No:           levelsToMap(snap.No),
	}
	return s.setJSON(ctx, orderbookKeyPrefix+snap.MarketTicker, book, 0)
}

// ApplyDelta mutates one price level of the cached book. The market's
// delta stream has a single producer, so get-modify-set is safe.
func (s *Store) ApplyDelta(ctx context.Context, d model.OrderbookDelta) error {
	book, err := s.Book(ctx, d.MarketTicker)
	if err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("%w: %s", ErrNoSnapshot, d.MarketTicker)
	}

	side := book.Yes
	if d.Side == model.TakerNo {
		side = book.No
	}
	qty := side[d.Price] + d.Delta
	if qty <= 0 {
		delete(side, d.Price)
	} else {
		side[d.Price] = qty
	}

	return s.setJSON(ctx, orderbookKeyPrefix+d.MarketTicker, book, 0)
}

// Book returns the cached book, or nil when none exists.
func (s *Store) Book(ctx context.Context, ticker string) (*Book, error) {
	data, err := s.rdb.Get(ctx, orderbookKeyPrefix+ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", ticker, err)
	}

	var book Book
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("decode orderbook %s: %w", ticker, err)
	}
	if book.Yes == nil {
		book.Yes = map[int]int{}
	}
	if book.No == nil {
		book.No = map[int]int{}
	}
	return &book, nil
}

// Spread returns 100 minus the best bid on each side. ok is false when
// the book is missing or one-sided.
func (s *Store) Spread(ctx context.Context, ticker string) (spread int, ok bool, err error) {
	book, err := s.Book(ctx, ticker)
	if err != nil || book == nil {
		return 0, false, err
	}
	yes, okYes := maxPrice(book.Yes)
	no, okNo := maxPrice(book.No)
	if !okYes || !okNo {
		return 0, false, nil
	}
	return 100 - yes - no, true, nil
}

// Midpoint returns (best_yes_bid + (100 - best_no_bid)) / 2, the implied
// fair yes price. ok is false when the book is missing or one-sided.
func (s *Store) Midpoint(ctx context.Context, ticker string) (mid float64, ok bool, err error) {
	book, err := s.Book(ctx, ticker)
	if err != nil || book == nil {
		return 0, false, err
	}
	yes, okYes := maxPrice(book.Yes)
	no, okNo := maxPrice(book.No)
	if !okYes || !okNo {
		return 0, false, nil
	}
	return (float64(yes) + float64(100-no)) / 2, true, nil
}

// BookTickers scans for every market with a cached book.
func (s *Store) BookTickers(ctx context.Context) ([]string, error) {
	var tickers []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, orderbookKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan orderbooks: %w", err)
		}
		for _, k := range keys {
			tickers = append(tickers, k[len(orderbookKeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return tickers, nil
		}
	}
}

func levelsToMap(levels []model.PriceLevel) map[int]int {
	m := make(map[int]int, len(levels))
	for _, l := range levels {
		m[l.Price] = l.Qty
	}
	return m
}

func maxPrice(side map[int]int) (int, bool) {
	best, ok := 0, false
	for p := range side {
		if !ok || p > best {
			best, ok = p, true
		}
	}
	return best, ok
}

// -----------------------------------------------------------------------------
// Regime
// -----------------------------------------------------------------------------

// SetRegime caches the market's regime summary for 120 s.
func (s *Store) SetRegime(ctx context.Context, ticker string, r model.RegimeState) error {
	return s.setJSON(ctx, regimeKeyPrefix+ticker, r, regimeTTL)
}

// Regime returns the cached regime, or RegimeUnknown when absent or
// expired.
func (s *Store) Regime(ctx context.Context, ticker string) (model.Regime, error) {
	data, err := s.rdb.Get(ctx, regimeKeyPrefix+ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RegimeUnknown, nil
	}
	if err != nil {
		return model.RegimeUnknown, fmt.Errorf("get regime %s: %w", ticker, err)
	}

	var r model.RegimeState
	if err := json.Unmarshal(data, &r); err != nil {
		return model.RegimeUnknown, fmt.Errorf("decode regime %s: %w", ticker, err)
	}
	if r.Regime == "" {
		return model.RegimeUnknown, nil
	}
	return r.Regime, nil
}

// -----------------------------------------------------------------------------
// Ticker state
// -----------------------------------------------------------------------------

// TickerState is the latest observed price fields for one market, fed by
// ingestion and read by the price-snapshot service.
type TickerState struct {
	MarketTicker string `json:"market_ticker"`
	Price        *int   `json:"price,omitempty"`
	Volume24h    *int64 `json:"volume_24h,omitempty"`
	OpenInterest *int64 `json:"open_interest,omitempty"`
	TS           int64  `json:"ts"`
}

// SetTickerState caches the latest ticker fields for 120 s.
func (s *Store) SetTickerState(ctx context.Context, t TickerState) error {
	return s.setJSON(ctx, tickerKeyPrefix+t.MarketTicker, t, regimeTTL)
}

// TickerState returns the cached ticker fields, or nil when absent.
func (s *Store) TickerState(ctx context.Context, ticker string) (*TickerState, error) {
	data, err := s.rdb.Get(ctx, tickerKeyPrefix+ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticker state %s: %w", ticker, err)
	}

	var t TickerState
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode ticker state %s: %w", ticker, err)
	}
	return &t, nil
}

// -----------------------------------------------------------------------------
// Market metadata
// -----------------------------------------------------------------------------

// RefreshMarkets replaces the metadata hash with the scan results and
// renews its 300 s TTL.
func (s *Store) RefreshMarkets(ctx context.Context, markets []model.Market) error {
	fields := make(map[string]string, len(markets))
	for _, m := range markets {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal market %s: %w", m.Ticker, err)
		}
		fields[m.Ticker] = string(data)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, marketsKey)
	if len(fields) > 0 {
		pipe.HSet(ctx, marketsKey, fields)
	}
	pipe.Expire(ctx, marketsKey, metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh markets hash: %w", err)
	}
	return nil
}

// Market returns one market's cached metadata, or nil when absent.
func (s *Store) Market(ctx context.Context, ticker string) (*model.Market, error) {
	data, err := s.rdb.HGet(ctx, marketsKey, ticker).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget market %s: %w", ticker, err)
	}

	var m model.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", ticker, err)
	}
	return &m, nil
}

// Markets returns the full cached metadata map.
func (s *Store) Markets(ctx context.Context) (map[string]model.Market, error) {
	raw, err := s.rdb.HGetAll(ctx, marketsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall markets: %w", err)
	}

	out := make(map[string]model.Market, len(raw))
	for ticker, data := range raw {
		var m model.Market
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			s.logger.Warn("skipping undecodable market metadata", "ticker", ticker, "error", err)
			continue
		}
		out[ticker] = m
	}
	return out, nil
}

// SetSeriesGraph caches a series' event-to-markets graph for 300 s.
func (s *Store) SetSeriesGraph(ctx context.Context, seriesTicker string, graph map[string][]string) error {
	return s.setJSON(ctx, seriesKeyPrefix+seriesTicker, graph, metaTTL)
}

// SeriesGraph returns a cached series graph, or nil when absent.
func (s *Store) SeriesGraph(ctx context.Context, seriesTicker string) (map[string][]string, error) {
	data, err := s.rdb.Get(ctx, seriesKeyPrefix+seriesTicker).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get series graph %s: %w", seriesTicker, err)
	}

	var graph map[string][]string
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("decode series graph %s: %w", seriesTicker, err)
	}
	return graph, nil
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// SetHealth caches a component's health snapshot for 60 s.
func (s *Store) SetHealth(ctx context.Context, component string, v any) error {
	return s.setJSON(ctx, healthKeyPrefix+component, v, healthTTL)
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
