package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// CrossMarketConfig tunes the propagation engine.
type CrossMarketConfig struct {
	MinPriceMove          int
	PropagationWindow     time.Duration
	SignalAttenuation     float64
	ConfidenceAttenuation float64
	MaxRelatedMarkets     int
	MinSourceStrength     float64
}

func DefaultCrossMarketConfig() CrossMarketConfig {
	return CrossMarketConfig{
		MinPriceMove:          3,
		PropagationWindow:     30 * time.Second,
		SignalAttenuation:     0.7,
		ConfidenceAttenuation: 0.6,
		MaxRelatedMarkets:     20,
		MinSourceStrength:     0.5,
	}
}

// MarketTitle is a market's display strings, used for bracket-threshold
// parsing.
type MarketTitle struct {
	Title    string
	Subtitle string
}

// MarketGraph resolves market relationships from discovery metadata.
type MarketGraph interface {
	RelatedMarkets(ctx context.Context, ticker string) ([]string, error)
	EventTicker(ctx context.Context, ticker string) (string, error)
	MarketTitles(ctx context.Context, eventTicker string) (map[string]MarketTitle, error)
}

// Threshold phrasing in market titles, e.g. "$60,000 or above",
// "above 70000", "between 3.5% and 4.0%".
var (
	aboveRe   = regexp.MustCompile(`(?i)(?:\$?([\d,]+\.?\d*)\s+or\s+(?:above|more|higher))|(?:(?:above|over|more than|at least|≥|>=)\s*\$?([\d,]+\.?\d*))`)
	belowRe   = regexp.MustCompile(`(?i)(?:\$?([\d,]+\.?\d*)\s+or\s+(?:below|less|lower|fewer))|(?:(?:below|under|less than|at most|≤|<=)\s*\$?([\d,]+\.?\d*))`)
	betweenRe = regexp.MustCompile(`(?i)(?:between)\s*\$?([\d,]+\.?\d*)%?\s*(?:and|to|-)\s*\$?([\d,]+\.?\d*)%?`)
)

type threshold struct {
	kind  string // "above", "below", "between"
	value float64
}

// parseThreshold extracts a numeric threshold from a market title or
// subtitle. Between-brackets resolve to their midpoint.
func parseThreshold(title string) (threshold, bool) {
	if m := aboveRe.FindStringSubmatch(title); m != nil {
		if v, ok := parseAmount(m[1], m[2]); ok {
			return threshold{kind: "above", value: v}, true
		}
	}
	if m := belowRe.FindStringSubmatch(title); m != nil {
		if v, ok := parseAmount(m[1], m[2]); ok {
			return threshold{kind: "below", value: v}, true
		}
	}
	if m := betweenRe.FindStringSubmatch(title); m != nil {
		lo, okLo := parseAmount(m[1], "")
		hi, okHi := parseAmount(m[2], "")
		if okLo && okHi {
			return threshold{kind: "between", value: (lo + hi) / 2}, true
		}
	}
	return threshold{}, false
}

func parseAmount(groups ...string) (float64, bool) {
	for _, g := range groups {
		if g == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(g, ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// CrossMarket detects repricing that has not yet propagated across
// related markets in the same event.
type CrossMarket struct {
	cfg    CrossMarketConfig
	graph  MarketGraph
	rdb    redis.Cmdable
	logger *slog.Logger
	now    func() time.Time

	prices   map[string]int
	lastMove map[string]time.Time

	eventCache   map[string]string // market ticker -> event ticker ("" when unknown)
	titlesLoaded map[string]bool   // event tickers already fetched
	thresholds   map[string]*threshold
}

func NewCrossMarket(cfg CrossMarketConfig, graph MarketGraph, rdb redis.Cmdable, logger *slog.Logger) *CrossMarket {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrossMarket{
		cfg:          cfg,
		graph:        graph,
		rdb:          rdb,
		logger:       logger,
		now:          time.Now,
		prices:       make(map[string]int),
		lastMove:     make(map[string]time.Time),
		eventCache:   make(map[string]string),
		titlesLoaded: make(map[string]bool),
		thresholds:   make(map[string]*threshold),
	}
}

func (p *CrossMarket) Name() string { return "cross_market" }

func (p *CrossMarket) InputTopics() []string {
	return []string{bus.TopicSignalsFlowToxicity, bus.TopicSignalsOIDivergence, bus.TopicTickerV2}
}

func (p *CrossMarket) OutputTopic() string { return bus.TopicSignalsCrossMarket }

func (p *CrossMarket) Process(ctx context.Context, topic string, payload []byte) ([]model.Signal, error) {
	switch topic {
	case bus.TopicTickerV2:
		var u model.TickerUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		return p.processTicker(ctx, u)

	case bus.TopicSignalsFlowToxicity, bus.TopicSignalsOIDivergence:
		var sig model.Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return nil, fmt.Errorf("decode signal: %w", err)
		}
		if sig.Direction == model.DirectionNeutral || sig.Strength < p.cfg.MinSourceStrength {
			return nil, nil
		}
		return p.propagateSignal(ctx, sig)
	}
	return nil, nil
}

func (p *CrossMarket) processTicker(ctx context.Context, u model.TickerUpdate) ([]model.Signal, error) {
	if u.MarketTicker == "" {
		return nil, fmt.Errorf("ticker update without market_ticker")
	}

	if _, seen := p.eventCache[u.MarketTicker]; !seen {
		ev, err := p.graph.EventTicker(ctx, u.MarketTicker)
		if err != nil {
			p.logger.Debug("event lookup failed", "ticker", u.MarketTicker, "error", err)
			ev = ""
		}
		p.eventCache[u.MarketTicker] = ev
	}

	if u.Price == nil {
		return nil, nil
	}
	old, known := p.prices[u.MarketTicker]
	p.prices[u.MarketTicker] = *u.Price
	if !known {
		return nil, nil
	}

	move := *u.Price - old
	if move < p.cfg.MinPriceMove && -move < p.cfg.MinPriceMove {
		return nil, nil
	}
	p.lastMove[u.MarketTicker] = p.now()
	return p.propagateMove(ctx, u.MarketTicker, old, *u.Price)
}

// propagateMove checks whether a price move in one market has reached
// its siblings yet.
func (p *CrossMarket) propagateMove(ctx context.Context, moved string, oldPrice, newPrice int) ([]model.Signal, error) {
	related, err := p.graph.RelatedMarkets(ctx, moved)
	if err != nil {
		return nil, fmt.Errorf("related markets %s: %w", moved, err)
	}
	if len(related) == 0 || len(related) > p.cfg.MaxRelatedMarkets {
		return nil, nil
	}

	up := newPrice > oldPrice
	magnitude := newPrice - oldPrice
	if magnitude < 0 {
		magnitude = -magnitude
	}
	movedAt := p.lastMove[moved]

	var out []model.Signal
	for _, rel := range related {
		if rel == moved {
			continue
		}
		relPrice, ok := p.prices[rel]
		if !ok {
			continue
		}
		lag := movedAt.Sub(p.lastMove[rel])
		if lag <= p.cfg.PropagationWindow {
			continue
		}

		p.ensureThresholds(ctx, moved)
		p.ensureThresholds(ctx, rel)
		dir, ok := p.expectedDirection(moved, rel, up)
		if !ok {
			continue
		}

		sig := model.NewSignal("cross_market_propagation", rel, dir,
			min(1, float64(magnitude)/10), 0.65, model.UrgencyImmediate)
		sig.EventTicker = p.eventCache[rel]
		sig.Metadata = map[string]any{
			"source_market":           moved,
			"source_old_price":        oldPrice,
			"source_new_price":        newPrice,
			"target_current_price":    relPrice,
			"propagation_lag_seconds": math.Round(lag.Seconds()*10) / 10,
			"move_magnitude":          magnitude,
		}
		out = append(out, sig)
	}
	return out, nil
}

// ensureThresholds loads and parses titles for the event containing
// ticker, once per event.
func (p *CrossMarket) ensureThresholds(ctx context.Context, ticker string) {
	ev := p.eventCache[ticker]
	if ev == "" || p.titlesLoaded[ev] {
		return
	}
	titles, err := p.graph.MarketTitles(ctx, ev)
	if err != nil {
		p.logger.Debug("title lookup failed", "event", ev, "error", err)
		return
	}
	p.titlesLoaded[ev] = true
	for t, mt := range titles {
		if _, seen := p.thresholds[t]; seen {
			continue
		}
		// Brackets usually carry the threshold in the subtitle.
		if th, ok := parseThreshold(mt.Subtitle); ok {
			p.thresholds[t] = &th
			continue
		}
		if th, ok := parseThreshold(mt.Title); ok {
			p.thresholds[t] = &th
			continue
		}
		p.thresholds[t] = nil
	}
}

// expectedDirection infers how a target bracket should react to the
// source's move. Only same-type above/below brackets with distinct
// thresholds are treated as correlated; everything else is suppressed
// rather than risk an anti-predictive signal.
func (p *CrossMarket) expectedDirection(source, target string, sourceUp bool) (model.Direction, bool) {
	st := p.thresholds[source]
	tt := p.thresholds[target]
	if st == nil || tt == nil {
		return "", false
	}
	if st.kind != tt.kind || st.kind == "between" || st.value == tt.value {
		return "", false
	}
	if sourceUp {
		return model.DirectionBuyYes, true
	}
	return model.DirectionBuyNo, true
}

// propagateSignal fans a strong flow/OI signal out to related markets
// that have neither signaled nor repriced.
func (p *CrossMarket) propagateSignal(ctx context.Context, src model.Signal) ([]model.Signal, error) {
	related, err := p.graph.RelatedMarkets(ctx, src.MarketTicker)
	if err != nil {
		return nil, fmt.Errorf("related markets %s: %w", src.MarketTicker, err)
	}

	var out []model.Signal
	for _, rel := range related {
		if rel == src.MarketTicker {
			continue
		}
		if p.hasLiveFlowSignal(ctx, rel) {
			continue
		}
		if p.now().Sub(p.lastMove[rel]) <= p.cfg.PropagationWindow {
			continue
		}

		sig := model.NewSignal("signal_propagation", rel, src.Direction,
			src.Strength*p.cfg.SignalAttenuation,
			src.Confidence*p.cfg.ConfidenceAttenuation,
			model.UrgencyWatch)
		sig.EventTicker = src.EventTicker
		sig.Metadata = map[string]any{
			"source_signal_id":   src.SignalID,
			"source_signal_type": src.SignalType,
			"source_market":      src.MarketTicker,
			"attenuation":        p.cfg.SignalAttenuation,
		}
		out = append(out, sig)
	}
	return out, nil
}

// hasLiveFlowSignal reports whether the market already carries an
// unexpired flow-toxicity or OI-divergence signal.
func (p *CrossMarket) hasLiveFlowSignal(ctx context.Context, ticker string) bool {
	now := p.now()
	for _, topic := range []string{bus.TopicSignalsFlowToxicity, bus.TopicSignalsOIDivergence} {
		msgs, err := bus.Recent(ctx, p.rdb, topic, 200)
		if err != nil {
			p.logger.Debug("recent read failed", "topic", topic, "error", err)
			continue
		}
		for _, m := range msgs {
			var s model.Signal
			if err := json.Unmarshal(m.Data, &s); err != nil {
				continue
			}
			if s.MarketTicker == ticker && !s.Expired(now) {
				return true
			}
		}
	}
	return false
}
