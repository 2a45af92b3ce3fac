package api

import "github.com/rickgao/kalshi-alpha/internal/model"

const basePath = "/trade-api/v2"

// DefaultPageLimit is the page size used for paginated endpoints.
const DefaultPageLimit = 200

// MarketsResponse from GET /markets.
type MarketsResponse struct {
	Markets []model.Market `json:"markets"`
	Cursor  string         `json:"cursor"`
}

// SingleMarketResponse from GET /markets/{ticker}.
type SingleMarketResponse struct {
	Market model.Market `json:"market"`
}

// TradesResponse from GET /markets/{ticker}/trades. Trade records share
// the websocket trade shape.
type TradesResponse struct {
	Trades []model.Trade `json:"trades"`
	Cursor string        `json:"cursor"`
}

// EventsResponse from GET /events.
type EventsResponse struct {
	Events []model.Event `json:"events"`
	Cursor string        `json:"cursor"`
}

// SeriesResponse from GET /series/{ticker}.
type SeriesResponse struct {
	Series model.Series `json:"series"`
}

// CandlesticksResponse from GET /series/{series}/markets/{ticker}/candlesticks.
type CandlesticksResponse struct {
	Candlesticks []model.Candlestick `json:"candlesticks"`
}

// GetMarketsOptions configures a GetMarkets request.
type GetMarketsOptions struct {
	Limit  int
	Cursor string
	Status string
}

// GetTradesOptions configures a GetTrades request. MinTS/MaxTS bound the
// window in epoch seconds; zero means unbounded.
type GetTradesOptions struct {
	Limit  int
	Cursor string
	MinTS  int64
	MaxTS  int64
}
