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

// RegimeConfig tunes the microstructure regime classifier.
type RegimeConfig struct {
	PublishInterval         time.Duration
	DeadTradeRate           float64
	DeadMessageRate         float64
	InformedImbalance       float64
	InformedTradeRate       float64
	ActiveTradeRate         float64
	PreSettlePriceThreshold int
	PreSettleTradeRate      float64
}

func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		PublishInterval:         30 * time.Second,
		DeadTradeRate:           0.2,
		DeadMessageRate:         0.1,
		InformedImbalance:       0.6,
		InformedTradeRate:       5,
		ActiveTradeRate:         2,
		PreSettlePriceThreshold: 5,
		PreSettleTradeRate:      2,
	}
}

// RegimeStore is the slice of the state store the detector caches
// summaries into.
type RegimeStore interface {
	SetRegime(ctx context.Context, ticker string, r model.RegimeState) error
}

// regimeMarket is the per-market feature state.
type regimeMarket struct {
	yesDepth int
	noDepth  int

	deltaTimes []time.Time // last 200
	tradeTimes []time.Time // last 200

	lastPrice  *int
	prevRegime model.Regime
}

func newRegimeMarket() *regimeMarket {
	return &regimeMarket{prevRegime: model.RegimeUnknown}
}

func (m *regimeMarket) applyDelta(d model.OrderbookDelta, now time.Time) {
	m.deltaTimes = pushBounded(m.deltaTimes, now, 200)
	if d.Side == model.TakerYes {
		m.yesDepth = max(0, m.yesDepth+d.Delta)
	} else {
		m.noDepth = max(0, m.noDepth+d.Delta)
	}
}

func (m *regimeMarket) applyTrade(t model.Trade, now time.Time) {
	m.tradeTimes = pushBounded(m.tradeTimes, now, 200)
	price := t.YesPrice
	m.lastPrice = &price
}

func (m *regimeMarket) applyTicker(u model.TickerUpdate) {
	if u.Price != nil {
		price := *u.Price
		m.lastPrice = &price
	}
}

// messageRate is messages per second over the last 60 s.
func (m *regimeMarket) messageRate(now time.Time) float64 {
	recent := 0
	for _, ts := range m.deltaTimes {
		if now.Sub(ts) <= time.Minute {
			recent++
		}
	}
	for _, ts := range m.tradeTimes {
		if now.Sub(ts) <= time.Minute {
			recent++
		}
	}
	return float64(recent) / 60
}

// tradeRate is trades per minute over the last 5 minutes.
func (m *regimeMarket) tradeRate(now time.Time) float64 {
	recent := 0
	for _, ts := range m.tradeTimes {
		if now.Sub(ts) <= 5*time.Minute {
			recent++
		}
	}
	return float64(recent) / 5
}

// depthImbalance runs -1 (all no) to +1 (all yes).
func (m *regimeMarket) depthImbalance() float64 {
	total := m.yesDepth + m.noDepth
	if total == 0 {
		return 0
	}
	return float64(m.yesDepth-m.noDepth) / float64(total)
}

// classify names the market's regime; first matching rule wins.
func (m *regimeMarket) classify(cfg RegimeConfig, now time.Time) model.Regime {
	tradeRate := m.tradeRate(now)
	msgRate := m.messageRate(now)

	if m.lastPrice != nil {
		p := *m.lastPrice
		if (p <= cfg.PreSettlePriceThreshold || p >= 100-cfg.PreSettlePriceThreshold) &&
			tradeRate > cfg.PreSettleTradeRate {
			return model.RegimePreSettlement
		}
	}
	if tradeRate < cfg.DeadTradeRate && msgRate < cfg.DeadMessageRate {
		return model.RegimeDead
	}
	if math.Abs(m.depthImbalance()) > cfg.InformedImbalance && tradeRate > cfg.InformedTradeRate {
		return model.RegimeInformed
	}
	if tradeRate > cfg.ActiveTradeRate && msgRate > 0.5 {
		return model.RegimeActive
	}
	return model.RegimeQuiet
}

// RegimeDetector classifies each market's microstructure character.
// It is a meta-signal: not directional, but it steers how the
// aggregator weighs everything else.
type RegimeDetector struct {
	cfg    RegimeConfig
	store  RegimeStore
	logger *slog.Logger
	now    func() time.Time

	states      map[string]*regimeMarket
	lastPublish map[string]time.Time
}

func NewRegimeDetector(cfg RegimeConfig, store RegimeStore, logger *slog.Logger) *RegimeDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 30 * time.Second
	}
	return &RegimeDetector{
		cfg:         cfg,
		store:       store,
		logger:      logger,
		now:         time.Now,
		states:      make(map[string]*regimeMarket),
		lastPublish: make(map[string]time.Time),
	}
}

func (p *RegimeDetector) Name() string { return "regime" }

func (p *RegimeDetector) InputTopics() []string {
	return []string{bus.TopicOrderbookDeltas, bus.TopicTrades, bus.TopicTickerV2}
}

func (p *RegimeDetector) OutputTopic() string { return bus.TopicSignalsRegime }

func (p *RegimeDetector) Process(ctx context.Context, topic string, payload []byte) ([]model.Signal, error) {
	now := p.now()
	var ticker string

	switch topic {
	case bus.TopicOrderbookDeltas:
		var d model.OrderbookDelta
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		ticker = d.MarketTicker
		p.state(ticker).applyDelta(d, now)

	case bus.TopicTrades:
		var t model.Trade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		ticker = t.MarketTicker
		p.state(ticker).applyTrade(t, now)

	case bus.TopicTickerV2:
		var u model.TickerUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		ticker = u.MarketTicker
		p.state(ticker).applyTicker(u)

	default:
		return nil, nil
	}

	if ticker == "" {
		return nil, fmt.Errorf("message without market_ticker on %s", topic)
	}
	return p.maybeEmit(ctx, ticker, now), nil
}

func (p *RegimeDetector) state(ticker string) *regimeMarket {
	st, ok := p.states[ticker]
	if !ok {
		st = newRegimeMarket()
		p.states[ticker] = st
	}
	return st
}

// maybeEmit refreshes the cached regime at most once per publish
// interval per market, and emits a signal only on a regime transition.
func (p *RegimeDetector) maybeEmit(ctx context.Context, ticker string, now time.Time) []model.Signal {
	if now.Sub(p.lastPublish[ticker]) < p.cfg.PublishInterval {
		return nil
	}

	st := p.states[ticker]
	regime := st.classify(p.cfg, now)

	if err := p.store.SetRegime(ctx, ticker, model.RegimeState{
		Regime:         regime,
		DepthImbalance: round4(st.depthImbalance()),
		TradeRate:      round2(st.tradeRate(now)),
		MessageRate:    round2(st.messageRate(now)),
		LastPrice:      st.lastPrice,
		YesDepth:       st.yesDepth,
		NoDepth:        st.noDepth,
		TS:             now.Unix(),
	}); err != nil {
		p.logger.Warn("regime cache update failed", "ticker", ticker, "error", err)
	}
	p.lastPublish[ticker] = now

	if regime == st.prevRegime {
		return nil
	}
	old := st.prevRegime
	st.prevRegime = regime
	return []model.Signal{p.changeSignal(ticker, regime, old, st, now)}
}

func (p *RegimeDetector) changeSignal(ticker string, regime, old model.Regime, st *regimeMarket, now time.Time) model.Signal {
	urgency := model.UrgencyBackground
	if regime == model.RegimeInformed {
		urgency = model.UrgencyImmediate
	}
	sig := model.NewSignal("regime_change", ticker, model.DirectionNeutral, 0.5, 0.8, urgency)
	sig.Metadata = map[string]any{
		"new_regime":      string(regime),
		"old_regime":      string(old),
		"trade_rate":      round2(st.tradeRate(now)),
		"message_rate":    round2(st.messageRate(now)),
		"depth_imbalance": round4(st.depthImbalance()),
	}
	if st.lastPrice != nil {
		sig.Metadata["last_price"] = *st.lastPrice
	}
	return sig
}
