package ingest

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Envelope is the outer frame of every server message. Data messages
// carry a type and a payload; command responses carry an id instead.
type Envelope struct {
	Type string          `json:"type,omitempty"`
	ID   int64           `json:"id,omitempty"`
	SID  int64           `json:"sid,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Command is a client-to-server command frame.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params"`
}

// SubscribeParams for {cmd: subscribe}. An empty ticker list subscribes
// to the whole channel.
type SubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// UpdateSubscriptionParams for {cmd: update_subscription}. Action is
// "add_markets" or "remove_markets".
type UpdateSubscriptionParams struct {
	SIDs          []int64  `json:"sids"`
	MarketTickers []string `json:"market_tickers"`
	Action        string   `json:"action"`
}

// UnsubscribeParams for {cmd: unsubscribe}.
type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

// Subscription tracks one locally assigned subscription. Tickers is nil
// for channel-wide subscriptions.
type Subscription struct {
	SID      int64
	Channels []string
	Tickers  []string
	LastSeq  int64
}

// Stats is a point-in-time view of the manager, reset every stats
// interval.
type Stats struct {
	Connected     bool
	Uptime        time.Duration
	Subscriptions int
	ByType        map[string]int64
}
