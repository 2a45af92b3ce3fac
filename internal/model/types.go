// Package model defines the wire and persistence types shared by the
// ingestion, signal, and writer components. All stream payloads are the
// JSON encodings of these types.
package model

import (
	"encoding/json"
	"time"
)

// TakerSide identifies which side of a binary market took liquidity.
type TakerSide string

const (
	TakerYes TakerSide = "yes"
	TakerNo  TakerSide = "no"
)

// -----------------------------------------------------------------------------
// Exchange wire types
// -----------------------------------------------------------------------------

// Trade is a single execution from the "trade" websocket channel.
// Prices are in cents (0-99); ts is seconds since epoch.
type Trade struct {
	TradeID         string    `json:"trade_id"`
	MarketTicker    string    `json:"market_ticker"`
	YesPrice        int       `json:"yes_price"`
	YesPriceDollars string    `json:"yes_price_dollars,omitempty"`
	NoPrice         int       `json:"no_price"`
	NoPriceDollars  string    `json:"no_price_dollars,omitempty"`
	Count           int       `json:"count"`
	CountFP         string    `json:"count_fp,omitempty"`
	TakerSide       TakerSide `json:"taker_side"`
	TS              int64     `json:"ts"`
}

// Time returns the exchange timestamp as UTC wall time.
func (t Trade) Time() time.Time { return time.Unix(t.TS, 0).UTC() }

// TickerUpdate is a partial market update from the "ticker_v2" channel.
// The exchange sends only the fields that changed, so everything except
// the ticker and timestamp is optional.
type TickerUpdate struct {
	MarketTicker            string `json:"market_ticker"`
	MarketID                string `json:"market_id,omitempty"`
	Price                   *int   `json:"price,omitempty"`
	PriceDollars            string `json:"price_dollars,omitempty"`
	VolumeDelta             *int64 `json:"volume_delta,omitempty"`
	VolumeDeltaFP           string `json:"volume_delta_fp,omitempty"`
	OpenInterestDelta       *int64 `json:"open_interest_delta,omitempty"`
	OpenInterestDeltaFP     string `json:"open_interest_delta_fp,omitempty"`
	DollarVolumeDelta       *int64 `json:"dollar_volume_delta,omitempty"`
	DollarOpenInterestDelta *int64 `json:"dollar_open_interest_delta,omitempty"`
	TS                      int64  `json:"ts"`
}

func (u TickerUpdate) Time() time.Time { return time.Unix(u.TS, 0).UTC() }

// PriceLevel is one [price, quantity] pair in an orderbook side.
type PriceLevel struct {
	Price int
	Qty   int
}

// OrderbookSnapshot is the full book for one market. Either side may be
// empty; the exchange omits an empty side entirely.
type OrderbookSnapshot struct {
	MarketTicker string       `json:"market_ticker"`
	MarketID     string       `json:"market_id,omitempty"`
	Yes          []PriceLevel `json:"yes,omitempty"`
	No           []PriceLevel `json:"no,omitempty"`
	TS           int64        `json:"ts,omitempty"`
}

// Spread is 100 minus the best (highest) bid on each side. A crossed or
// overlapping book yields a spread of zero or below. ok is false when
// either side is empty.
func (s OrderbookSnapshot) Spread() (spread int, ok bool) {
	yes, okYes := bestBid(s.Yes)
	no, okNo := bestBid(s.No)
	if !okYes || !okNo {
		return 0, false
	}
	return 100 - yes - no, true
}

// YesDepth5 is the total quantity in the five highest-priced yes levels.
func (s OrderbookSnapshot) YesDepth5() int { return depth5(s.Yes) }

// NoDepth5 is the total quantity in the five highest-priced no levels.
func (s OrderbookSnapshot) NoDepth5() int { return depth5(s.No) }

func bestBid(levels []PriceLevel) (int, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price > best {
			best = l.Price
		}
	}
	return best, true
}

func depth5(levels []PriceLevel) int {
	top := make([]PriceLevel, len(levels))
	copy(top, levels)
	// Selection of the 5 highest prices; books rarely exceed 100 levels.
	total := 0
	for n := 0; n < 5 && n < len(top); n++ {
		maxIdx := n
		for i := n + 1; i < len(top); i++ {
			if top[i].Price > top[maxIdx].Price {
				maxIdx = i
			}
		}
		top[n], top[maxIdx] = top[maxIdx], top[n]
		total += top[n].Qty
	}
	return total
}

// MarshalJSON encodes a level as the exchange's [price, qty] pair form.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{l.Price, l.Qty})
}

// UnmarshalJSON accepts the [price, qty] pair form.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Price, l.Qty = pair[0], pair[1]
	return nil
}

// OrderbookDelta is a single level change from the "orderbook_delta"
// channel. ts is an RFC 3339 string on the wire.
type OrderbookDelta struct {
	MarketTicker  string    `json:"market_ticker"`
	MarketID      string    `json:"market_id,omitempty"`
	Price         int       `json:"price"`
	PriceDollars  string    `json:"price_dollars,omitempty"`
	Delta         int       `json:"delta"`
	DeltaFP       string    `json:"delta_fp,omitempty"`
	Side          TakerSide `json:"side"`
	TS            string    `json:"ts"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Time parses the delta timestamp; zero time on parse failure.
func (d OrderbookDelta) Time() time.Time {
	t, err := time.Parse(time.RFC3339, d.TS)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// IsOwnOrder reports whether the delta was caused by one of our own orders.
func (d OrderbookDelta) IsOwnOrder() bool { return d.ClientOrderID != "" }

// MarketLifecycleEvent is a status transition from the
// "market_lifecycle_v2" channel. The schema varies by event type, so
// unrecognized fields are preserved in Extra.
type MarketLifecycleEvent struct {
	MarketTicker string `json:"market_ticker"`
	MarketID     string `json:"market_id,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	Status       string `json:"status,omitempty"`
	Result       string `json:"result,omitempty"`
	TS           int64  `json:"ts"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (e MarketLifecycleEvent) Time() time.Time { return time.Unix(e.TS, 0).UTC() }

// UnmarshalJSON keeps fields the schema does not name so later consumers
// can still see them.
func (e *MarketLifecycleEvent) UnmarshalJSON(data []byte) error {
	type plain MarketLifecycleEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"market_ticker", "market_id", "event_type", "status", "result", "ts"} {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*e = MarketLifecycleEvent(p)
	return nil
}

// EffectiveStatus resolves the market status implied by the event,
// preferring the explicit status field over the event type.
func (e MarketLifecycleEvent) EffectiveStatus() string {
	if e.Status != "" {
		return e.Status
	}
	switch e.EventType {
	case "open":
		return "active"
	case "closed", "close_date_updated":
		return "closed"
	case "settled", "determined":
		return "settled"
	}
	return e.EventType
}

// IsTerminal reports whether the event ends the market's life.
func (e MarketLifecycleEvent) IsTerminal() bool {
	switch e.EventType {
	case "settled", "determined":
		return true
	}
	return e.Status == "settled" || e.Status == "determined"
}

// EventLifecycleEvent is an event-level transition from the
// "event_lifecycle" channel.
type EventLifecycleEvent struct {
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title,omitempty"`
	Status      string `json:"status,omitempty"`
	TS          int64  `json:"ts"`
}

// -----------------------------------------------------------------------------
// REST metadata types
// -----------------------------------------------------------------------------

// Market is market metadata from the REST API.
type Market struct {
	Ticker       string     `json:"ticker"`
	EventTicker  string     `json:"event_ticker"`
	SeriesTicker string     `json:"series_ticker"`
	MarketType   string     `json:"market_type"`
	Title        string     `json:"title"`
	Subtitle     string     `json:"subtitle,omitempty"`
	Status       string     `json:"status"`
	YesBid       *int       `json:"yes_bid,omitempty"`
	YesAsk       *int       `json:"yes_ask,omitempty"`
	LastPrice    *int       `json:"last_price,omitempty"`
	Volume       *int64     `json:"volume,omitempty"`
	Volume24h    *int64     `json:"volume_24h,omitempty"`
	OpenInterest *int64     `json:"open_interest,omitempty"`
	CloseTime    *time.Time `json:"close_time,omitempty"`
	Result       string     `json:"result,omitempty"`
}

// Event is event metadata from the REST API.
type Event struct {
	EventTicker  string `json:"event_ticker"`
	SeriesTicker string `json:"series_ticker"`
	Title        string `json:"title"`
	SubTitle     string `json:"sub_title,omitempty"`
	Category     string `json:"category,omitempty"`
}

// Series is series metadata from the REST API.
type Series struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	Category  string `json:"category,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

// Candlestick is one OHLC bucket from the candlesticks endpoint.
type Candlestick struct {
	EndPeriodTS int64 `json:"end_period_ts"`
	Volume      int64 `json:"volume"`
	OpenInterest int64 `json:"open_interest"`
	Price       struct {
		Open  *int `json:"open,omitempty"`
		High  *int `json:"high,omitempty"`
		Low   *int `json:"low,omitempty"`
		Close *int `json:"close,omitempty"`
	} `json:"price"`
}
