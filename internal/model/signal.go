package model

import (
	"time"

	"github.com/google/uuid"
)

// Regime classifies a market's trading character.
type Regime string

const (
	RegimeDead          Regime = "dead"
	RegimeQuiet         Regime = "quiet"
	RegimeActive        Regime = "active"
	RegimeInformed      Regime = "informed"
	RegimePreSettlement Regime = "pre_settle"
	RegimeUnknown       Regime = "unknown"
)

// Direction is the actionable side of a signal.
type Direction string

const (
	DirectionBuyYes  Direction = "buy_yes"
	DirectionBuyNo   Direction = "buy_no"
	DirectionNeutral Direction = "neutral"
)

// Mult maps a direction to its sign for composite scoring.
func (d Direction) Mult() float64 {
	switch d {
	case DirectionBuyYes:
		return 1
	case DirectionBuyNo:
		return -1
	}
	return 0
}

// Urgency grades how quickly a signal's edge decays.
type Urgency string

const (
	UrgencyImmediate  Urgency = "immediate"
	UrgencyWatch      Urgency = "watch"
	UrgencyBackground Urgency = "background"
)

// Signal is the shared contract between signal processors and the
// aggregator. Strength and confidence are in [0, 1].
type Signal struct {
	SignalID     string         `json:"signal_id"`
	SignalType   string         `json:"signal_type"`
	MarketTicker string         `json:"market_ticker"`
	EventTicker  string         `json:"event_ticker,omitempty"`
	SeriesTicker string         `json:"series_ticker,omitempty"`
	Direction    Direction      `json:"direction"`
	Strength     float64        `json:"strength"`
	Confidence   float64        `json:"confidence"`
	Urgency      Urgency        `json:"urgency"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TS           time.Time      `json:"ts"`
	TTLSeconds   int            `json:"ttl_seconds"`
}

// NewSignal fills in id, timestamp, and the default TTL of 300 s.
func NewSignal(signalType, marketTicker string, dir Direction, strength, confidence float64, urgency Urgency) Signal {
	return Signal{
		SignalID:     uuid.NewString(),
		SignalType:   signalType,
		MarketTicker: marketTicker,
		Direction:    dir,
		Strength:     strength,
		Confidence:   confidence,
		Urgency:      urgency,
		TS:           time.Now().UTC(),
		TTLSeconds:   300,
	}
}

// ExpiresAt is the instant the signal stops being live.
func (s Signal) ExpiresAt() time.Time {
	return s.TS.Add(time.Duration(s.TTLSeconds) * time.Second)
}

// Expired reports whether the signal is past its TTL at now.
func (s Signal) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// CompositeSignal is the aggregator's fused, regime-weighted output for
// one market. Score is in [-1, +1]; direction follows its sign outside
// a ±0.1 dead zone.
type CompositeSignal struct {
	MarketTicker   string    `json:"market_ticker"`
	EventTicker    string    `json:"event_ticker,omitempty"`
	SeriesTicker   string    `json:"series_ticker,omitempty"`
	Direction      Direction `json:"direction"`
	CompositeScore float64   `json:"composite_score"`
	ActiveSignals  []Signal  `json:"active_signals"`
	Regime         Regime    `json:"regime"`
	TS             time.Time `json:"ts"`
}

// RegimeState is the per-market regime summary cached in the state store
// under state:regime:{ticker}.
type RegimeState struct {
	Regime         Regime  `json:"regime"`
	DepthImbalance float64 `json:"depth_imbalance"`
	TradeRate      float64 `json:"trade_rate"`
	MessageRate    float64 `json:"message_rate"`
	LastPrice      *int    `json:"last_price,omitempty"`
	YesDepth       int     `json:"yes_depth"`
	NoDepth        int     `json:"no_depth"`
	TS             int64   `json:"ts"`
}
