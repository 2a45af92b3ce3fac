package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// OIDivergenceConfig tunes the open-interest divergence detector.
type OIDivergenceConfig struct {
	MinObservations    int
	ZScoreThreshold    float64
	WindowSize         int
	DollarConfirmBoost float64
	MinPrice           int
	MaxPrice           int
}

func DefaultOIDivergenceConfig() OIDivergenceConfig {
	return OIDivergenceConfig{
		MinObservations:    30,
		ZScoreThreshold:    2.5,
		WindowSize:         50,
		DollarConfirmBoost: 0.15,
		MinPrice:           5,
		MaxPrice:           95,
	}
}

// Four classic OI/price positioning regimes.
var oiRegimeDirection = map[string]model.Direction{
	"new_longs":        model.DirectionBuyYes,
	"new_shorts":       model.DirectionBuyNo,
	"short_covering":   model.DirectionBuyYes,
	"long_liquidation": model.DirectionBuyNo,
}

// Fresh positioning carries conviction; unwinds carry less.
var oiRegimeConfidence = map[string]float64{
	"new_longs":        0.75,
	"new_shorts":       0.75,
	"short_covering":   0.45,
	"long_liquidation": 0.45,
}

// oiState is the per-market rolling state for OI analysis.
type oiState struct {
	windowSize int

	prices         []int
	oiDeltas       []float64
	dollarOIDeltas []int64
	timestamps     []int64

	cumulativeOIDelta float64
	observations      int

	velocityHistory []float64 // |velocity| samples, last 200
}

func newOIState(windowSize int) *oiState {
	return &oiState{windowSize: windowSize}
}

func (s *oiState) update(u model.TickerUpdate) {
	if u.Price != nil {
		s.prices = pushBounded(s.prices, *u.Price, s.windowSize)
	}
	if u.OpenInterestDelta != nil {
		d := float64(*u.OpenInterestDelta)
		s.oiDeltas = pushBounded(s.oiDeltas, d, s.windowSize)
		s.cumulativeOIDelta += d
	}
	if u.DollarOpenInterestDelta != nil {
		s.dollarOIDeltas = pushBounded(s.dollarOIDeltas, *u.DollarOpenInterestDelta, s.windowSize)
	}
	s.timestamps = pushBounded(s.timestamps, u.TS, s.windowSize)
	s.observations++
}

func (s *oiState) lastPrice() (int, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	return s.prices[len(s.prices)-1], true
}

// classifyRegime compares the direction of recent OI flow against the
// direction of price to name the positioning regime.
func (s *oiState) classifyRegime() (string, bool) {
	if len(s.prices) < 5 || len(s.oiDeltas) < 5 {
		return "", false
	}

	mid := len(s.prices) / 2
	earlier := mean(s.prices[:mid])
	recent := mean(s.prices[mid:])
	priceRising := recent > earlier

	oiRising := sumTail(s.oiDeltas, 10) > 0

	switch {
	case oiRising && priceRising:
		return "new_longs", true
	case oiRising && !priceRising:
		return "new_shorts", true
	case !oiRising && priceRising:
		return "short_covering", true
	}
	return "long_liquidation", true
}

// velocity is the mean OI delta per observation over the last 10.
func (s *oiState) velocity() float64 {
	if len(s.oiDeltas) < 2 {
		return 0
	}
	n := len(s.oiDeltas)
	if n > 10 {
		n = 10
	}
	return sumTail(s.oiDeltas, 10) / float64(n)
}

// velocityZScore scores the current |velocity| against its own history.
// The sample is recorded as a side effect.
func (s *oiState) velocityZScore() float64 {
	current := math.Abs(s.velocity())
	if len(s.velocityHistory) < 10 {
		s.velocityHistory = pushBounded(s.velocityHistory, current, 200)
		return 0
	}
	s.velocityHistory = pushBounded(s.velocityHistory, current, 200)

	m := 0.0
	for _, v := range s.velocityHistory {
		m += v
	}
	m /= float64(len(s.velocityHistory))

	variance := 0.0
	for _, v := range s.velocityHistory {
		variance += (v - m) * (v - m)
	}
	variance /= float64(len(s.velocityHistory))
	std := math.Sqrt(variance)
	if std < 0.001 {
		return 0
	}
	return (current - m) / std
}

// dollarConfirms reports whether dollar-weighted OI agrees in sign with
// contract-count OI over the last five updates.
func (s *oiState) dollarConfirms() bool {
	if len(s.dollarOIDeltas) == 0 || len(s.oiDeltas) == 0 {
		return false
	}
	oi := sumTail(s.oiDeltas, 5)
	dollar := int64(0)
	start := len(s.dollarOIDeltas) - 5
	if start < 0 {
		start = 0
	}
	for _, v := range s.dollarOIDeltas[start:] {
		dollar += v
	}
	return (oi > 0 && dollar > 0) || (oi < 0 && dollar < 0)
}

// OIDivergence watches ticker_v2 for open-interest velocity spikes and
// classifies who is positioning against the price.
type OIDivergence struct {
	cfg    OIDivergenceConfig
	logger *slog.Logger
	states map[string]*oiState
}

func NewOIDivergence(cfg OIDivergenceConfig, logger *slog.Logger) *OIDivergence {
	if logger == nil {
		logger = slog.Default()
	}
	return &OIDivergence{
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*oiState),
	}
}

func (p *OIDivergence) Name() string          { return "oi_divergence" }
func (p *OIDivergence) InputTopics() []string { return []string{bus.TopicTickerV2} }
func (p *OIDivergence) OutputTopic() string   { return bus.TopicSignalsOIDivergence }

func (p *OIDivergence) Process(ctx context.Context, topic string, payload []byte) ([]model.Signal, error) {
	var u model.TickerUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	if u.MarketTicker == "" {
		return nil, fmt.Errorf("ticker update without market_ticker")
	}
	if u.OpenInterestDelta == nil && u.Price == nil {
		return nil, nil
	}

	st := p.state(u.MarketTicker)
	st.update(u)

	// Near-certain markets carry no edge.
	if price, ok := st.lastPrice(); ok {
		if price < p.cfg.MinPrice || price > p.cfg.MaxPrice {
			return nil, nil
		}
	}

	if st.observations < p.cfg.MinObservations {
		return nil, nil
	}

	regime, ok := st.classifyRegime()
	if !ok {
		return nil, nil
	}

	zscore := st.velocityZScore()
	if zscore <= p.cfg.ZScoreThreshold {
		return nil, nil
	}

	return []model.Signal{p.divergenceSignal(u.MarketTicker, regime, st, zscore)}, nil
}

func (p *OIDivergence) state(ticker string) *oiState {
	st, ok := p.states[ticker]
	if !ok {
		st = newOIState(p.cfg.WindowSize)
		p.states[ticker] = st
	}
	return st
}

func (p *OIDivergence) divergenceSignal(ticker, regime string, st *oiState, zscore float64) model.Signal {
	confidence := oiRegimeConfidence[regime]
	if st.dollarConfirms() {
		confidence = min(1, confidence+p.cfg.DollarConfirmBoost)
	}

	sig := model.NewSignal("oi_divergence", ticker, oiRegimeDirection[regime],
		min(1, zscore/3), confidence, model.UrgencyWatch)

	lastPrice, _ := st.lastPrice()
	sig.Metadata = map[string]any{
		"regime":              regime,
		"oi_velocity":         round4(st.velocity()),
		"oi_velocity_zscore":  round4(zscore),
		"cumulative_oi_delta": round2(st.cumulativeOIDelta),
		"dollar_oi_confirms":  st.dollarConfirms(),
		"observation_count":   st.observations,
		"last_price":          lastPrice,
	}
	return sig
}

func mean(vals []int) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0
	for _, v := range vals {
		sum += v
	}
	return float64(sum) / float64(len(vals))
}

func sumTail(vals []float64, n int) float64 {
	start := len(vals) - n
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, v := range vals[start:] {
		sum += v
	}
	return sum
}
