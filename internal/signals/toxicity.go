package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// FlowToxicityConfig tunes the VPIN-style informed-flow detector.
type FlowToxicityConfig struct {
	VPINThreshold        float64
	RollingVPINThreshold float64
	BucketSize           int
	WindowSize           int
	BurstWindow          time.Duration
	BurstMinTrades       int
	SizeMultiplier       float64
	MinMarketVolume      int64
}

func DefaultFlowToxicityConfig() FlowToxicityConfig {
	return FlowToxicityConfig{
		VPINThreshold:        0.80,
		RollingVPINThreshold: 0.70,
		BucketSize:           25,
		WindowSize:           20,
		BurstWindow:          5 * time.Second,
		BurstMinTrades:       8,
		SizeMultiplier:       3.0,
		MinMarketVolume:      200,
	}
}

// flowState is the per-market rolling state for flow analysis.
type flowState struct {
	bucketSize int
	windowSize int

	bucketVolume    int
	bucketBuyVolume int

	bucketVPINs []float64 // last windowSize completed buckets

	tradeTimes []int64 // exchange timestamps, last 100
	tradeSizes []int   // last 200

	totalVolume int64
	totalTrades int64
}

func newFlowState(bucketSize, windowSize int) *flowState {
	return &flowState{bucketSize: bucketSize, windowSize: windowSize}
}

func (s *flowState) addTrade(t model.Trade) {
	s.bucketVolume += t.Count
	if t.TakerSide == model.TakerYes {
		s.bucketBuyVolume += t.Count
	}
	s.tradeTimes = pushBounded(s.tradeTimes, t.TS, 100)
	s.tradeSizes = pushBounded(s.tradeSizes, t.Count, 200)
	s.totalVolume += int64(t.Count)
	s.totalTrades++
}

func (s *flowState) bucketFull() bool {
	return s.bucketVolume >= s.bucketSize
}

// vpin is |buy_ratio - 0.5| * 2 for the current bucket: 0 is balanced
// flow, 1 is completely one-sided.
func (s *flowState) vpin() float64 {
	if s.bucketVolume == 0 {
		return 0
	}
	buyRatio := float64(s.bucketBuyVolume) / float64(s.bucketVolume)
	return math.Abs(buyRatio-0.5) * 2
}

func (s *flowState) buyRatio() float64 {
	if s.bucketVolume == 0 {
		return 0.5
	}
	return float64(s.bucketBuyVolume) / float64(s.bucketVolume)
}

func (s *flowState) advanceBucket() {
	s.bucketVPINs = pushBounded(s.bucketVPINs, s.vpin(), s.windowSize)
	s.bucketVolume = 0
	s.bucketBuyVolume = 0
}

func (s *flowState) rollingVPIN() float64 {
	if len(s.bucketVPINs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s.bucketVPINs {
		sum += v
	}
	return sum / float64(len(s.bucketVPINs))
}

func (s *flowState) meanTradeSize() float64 {
	if len(s.tradeSizes) == 0 {
		return 0
	}
	sum := 0
	for _, sz := range s.tradeSizes {
		sum += sz
	}
	return float64(sum) / float64(len(s.tradeSizes))
}

// burst reports whether minTrades or more trades landed within
// windowSeconds of the newest trade.
func (s *flowState) burst(windowSeconds float64, minTrades int) bool {
	if len(s.tradeTimes) < minTrades {
		return false
	}
	newest := s.tradeTimes[len(s.tradeTimes)-1]
	recent := 0
	for _, ts := range s.tradeTimes {
		if float64(newest-ts) <= windowSeconds {
			recent++
		}
	}
	return recent >= minTrades
}

// arrivalRate is trades per second across the timestamp window.
func (s *flowState) arrivalRate() float64 {
	if len(s.tradeTimes) < 2 {
		return 0
	}
	span := s.tradeTimes[len(s.tradeTimes)-1] - s.tradeTimes[0]
	if span <= 0 {
		return 0
	}
	return float64(len(s.tradeTimes)) / float64(span)
}

// FlowToxicity detects informed flow on the trades topic using
// volume-synchronized buckets, trade bursts, and size anomalies.
type FlowToxicity struct {
	cfg    FlowToxicityConfig
	logger *slog.Logger
	states map[string]*flowState
}

func NewFlowToxicity(cfg FlowToxicityConfig, logger *slog.Logger) *FlowToxicity {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowToxicity{
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*flowState),
	}
}

func (p *FlowToxicity) Name() string          { return "flow_toxicity" }
func (p *FlowToxicity) InputTopics() []string { return []string{bus.TopicTrades} }
func (p *FlowToxicity) OutputTopic() string   { return bus.TopicSignalsFlowToxicity }

func (p *FlowToxicity) Process(ctx context.Context, topic string, payload []byte) ([]model.Signal, error) {
	var t model.Trade
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	if t.MarketTicker == "" {
		return nil, fmt.Errorf("trade without market_ticker")
	}

	st := p.state(t.MarketTicker)

	// Too illiquid to carry information.
	if st.totalVolume < p.cfg.MinMarketVolume && st.totalTrades > 10 {
		return nil, nil
	}

	st.addTrade(t)
	var out []model.Signal

	if st.bucketFull() {
		vpin := st.vpin()
		side := directionFromRatio(st.buyRatio())
		st.advanceBucket()

		if vpin > p.cfg.VPINThreshold {
			out = append(out, p.toxicitySignal(t.MarketTicker, vpin, side, st))
		}
		if st.rollingVPIN() > p.cfg.RollingVPINThreshold && len(st.bucketVPINs) >= 5 {
			out = append(out, p.sustainedSignal(t.MarketTicker, side, st))
		}
	}

	if st.burst(p.cfg.BurstWindow.Seconds(), p.cfg.BurstMinTrades) {
		out = append(out, p.burstSignal(t.MarketTicker, st))
	}

	if mean := st.meanTradeSize(); mean > 0 && float64(t.Count) > mean*p.cfg.SizeMultiplier {
		out = append(out, p.largeTradeSignal(t, st))
	}

	return out, nil
}

func (p *FlowToxicity) state(ticker string) *flowState {
	st, ok := p.states[ticker]
	if !ok {
		st = newFlowState(p.cfg.BucketSize, p.cfg.WindowSize)
		p.states[ticker] = st
	}
	return st
}

func (p *FlowToxicity) toxicitySignal(ticker string, vpin float64, side model.Direction, st *flowState) model.Signal {
	urgency := model.UrgencyWatch
	if vpin > 0.85 {
		urgency = model.UrgencyImmediate
	}
	sig := model.NewSignal("flow_toxicity", ticker, side,
		min(1, vpin),
		min(1, 0.5+float64(len(st.bucketVPINs))/float64(st.windowSize)*0.3),
		urgency)
	sig.Metadata = map[string]any{
		"vpin":          round4(vpin),
		"rolling_vpin":  round4(st.rollingVPIN()),
		"bucket_count":  len(st.bucketVPINs),
		"dominant_side": string(side),
		"total_volume":  st.totalVolume,
	}
	return sig
}

func (p *FlowToxicity) sustainedSignal(ticker string, side model.Direction, st *flowState) model.Signal {
	sig := model.NewSignal("flow_toxicity", ticker, side,
		min(1, st.rollingVPIN()), 0.7, model.UrgencyWatch)
	sig.Metadata = map[string]any{
		"rolling_vpin":  round4(st.rollingVPIN()),
		"bucket_count":  len(st.bucketVPINs),
		"dominant_side": string(side),
		"pattern":       "sustained_toxicity",
	}
	return sig
}

func (p *FlowToxicity) burstSignal(ticker string, st *flowState) model.Signal {
	rate := st.arrivalRate()
	side := directionFromRatio(st.buyRatio())
	sig := model.NewSignal("flow_burst", ticker, side,
		min(1, rate/10),
		min(0.8, 0.3+rate/20),
		model.UrgencyImmediate)
	sig.Metadata = map[string]any{
		"inter_arrival_rate": round2(rate),
		"dominant_side":      string(side),
		"trade_burst":        true,
	}
	return sig
}

func (p *FlowToxicity) largeTradeSignal(t model.Trade, st *flowState) model.Signal {
	mean := st.meanTradeSize()
	sizeRatio := float64(t.Count) / mean
	dir := model.DirectionBuyNo
	if t.TakerSide == model.TakerYes {
		dir = model.DirectionBuyYes
	}
	sig := model.NewSignal("flow_large_trade", t.MarketTicker, dir,
		min(1, float64(t.Count)/(mean*p.cfg.SizeMultiplier*2)),
		min(0.85, 0.4+sizeRatio/(p.cfg.SizeMultiplier*4)),
		model.UrgencyWatch)
	sig.Metadata = map[string]any{
		"trade_size":      t.Count,
		"mean_trade_size": round2(mean),
		"size_ratio":      round2(sizeRatio),
		"taker_side":      string(t.TakerSide),
	}
	return sig
}

// directionFromRatio requires a 60%+ imbalance before taking a side.
func directionFromRatio(buyRatio float64) model.Direction {
	switch {
	case buyRatio > 0.6:
		return model.DirectionBuyYes
	case buyRatio < 0.4:
		return model.DirectionBuyNo
	}
	return model.DirectionNeutral
}

