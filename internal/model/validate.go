package model

import (
	"errors"
	"fmt"
)

// ErrInvalid marks a message that fails schema validation. Consumers
// log and skip these rather than retrying.
var ErrInvalid = errors.New("invalid message")

// Validate checks the trade against the exchange contract: prices in
// cents, positive count, known taker side.
func (t Trade) Validate() error {
	if t.TradeID == "" {
		return fmt.Errorf("%w: trade missing trade_id", ErrInvalid)
	}
	if t.MarketTicker == "" {
		return fmt.Errorf("%w: trade missing market_ticker", ErrInvalid)
	}
	if t.YesPrice < 0 || t.YesPrice > 99 {
		return fmt.Errorf("%w: yes_price %d out of range", ErrInvalid, t.YesPrice)
	}
	if t.NoPrice < 0 || t.NoPrice > 99 {
		return fmt.Errorf("%w: no_price %d out of range", ErrInvalid, t.NoPrice)
	}
	if t.Count < 1 {
		return fmt.Errorf("%w: count %d below 1", ErrInvalid, t.Count)
	}
	if t.TakerSide != TakerYes && t.TakerSide != TakerNo {
		return fmt.Errorf("%w: taker_side %q", ErrInvalid, t.TakerSide)
	}
	return nil
}

// Validate checks the optional price range and the ticker.
func (u TickerUpdate) Validate() error {
	if u.MarketTicker == "" {
		return fmt.Errorf("%w: ticker update missing market_ticker", ErrInvalid)
	}
	if u.Price != nil && (*u.Price < 0 || *u.Price > 99) {
		return fmt.Errorf("%w: price %d out of range", ErrInvalid, *u.Price)
	}
	return nil
}

// Validate checks the delta's price band and side.
func (d OrderbookDelta) Validate() error {
	if d.MarketTicker == "" {
		return fmt.Errorf("%w: delta missing market_ticker", ErrInvalid)
	}
	if d.Price < 0 || d.Price > 99 {
		return fmt.Errorf("%w: price %d out of range", ErrInvalid, d.Price)
	}
	if d.Side != TakerYes && d.Side != TakerNo {
		return fmt.Errorf("%w: side %q", ErrInvalid, d.Side)
	}
	return nil
}

// Validate checks strength/confidence bounds and required identifiers.
func (s Signal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("%w: signal missing signal_id", ErrInvalid)
	}
	if s.SignalType == "" {
		return fmt.Errorf("%w: signal missing signal_type", ErrInvalid)
	}
	if s.MarketTicker == "" {
		return fmt.Errorf("%w: signal missing market_ticker", ErrInvalid)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("%w: strength %v out of range", ErrInvalid, s.Strength)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalid, s.Confidence)
	}
	switch s.Direction {
	case DirectionBuyYes, DirectionBuyNo, DirectionNeutral:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalid, s.Direction)
	}
	switch s.Urgency {
	case UrgencyImmediate, UrgencyWatch, UrgencyBackground:
	default:
		return fmt.Errorf("%w: urgency %q", ErrInvalid, s.Urgency)
	}
	return nil
}
