package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// LifecycleConfig tunes the lifecycle-alpha scanner.
type LifecycleConfig struct {
	NewMarketWindow         time.Duration
	SettlementCascadeWindow time.Duration
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		NewMarketWindow:         300 * time.Second,
		SettlementCascadeWindow: 120 * time.Second,
	}
}

// LifecycleAlpha scans lifecycle transitions for mispricing windows:
// freshly opened markets and the repricing cascade after a settlement.
type LifecycleAlpha struct {
	cfg    LifecycleConfig
	graph  MarketGraph
	logger *slog.Logger
	now    func() time.Time

	recentOpens map[string]time.Time
}

func NewLifecycleAlpha(cfg LifecycleConfig, graph MarketGraph, logger *slog.Logger) *LifecycleAlpha {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleAlpha{
		cfg:         cfg,
		graph:       graph,
		logger:      logger,
		now:         time.Now,
		recentOpens: make(map[string]time.Time),
	}
}

func (p *LifecycleAlpha) Name() string { return "lifecycle_alpha" }

func (p *LifecycleAlpha) InputTopics() []string {
	return []string{bus.TopicLifecycle, bus.TopicTickerV2}
}

func (p *LifecycleAlpha) OutputTopic() string { return bus.TopicSignalsLifecycle }

func (p *LifecycleAlpha) Process(ctx context.Context, topic string, payload []byte) ([]model.Signal, error) {
	switch topic {
	case bus.TopicLifecycle:
		var e model.MarketLifecycleEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode lifecycle event: %w", err)
		}
		if e.MarketTicker == "" {
			return nil, fmt.Errorf("lifecycle event without market_ticker")
		}
		return p.processLifecycle(ctx, e)

	case bus.TopicTickerV2:
		var u model.TickerUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		return p.processTicker(u), nil
	}
	return nil, nil
}

func (p *LifecycleAlpha) processLifecycle(ctx context.Context, e model.MarketLifecycleEvent) ([]model.Signal, error) {
	switch e.EventType {
	case "open":
		p.recentOpens[e.MarketTicker] = p.now()
		return []model.Signal{p.newMarketSignal(e)}, nil
	case "settled", "closed", "determined":
		return p.settlementCascade(ctx, e)
	}
	return nil, nil
}

// newMarketSignal flags a freshly opened market for monitoring. Early
// prices are often stale or anchored.
func (p *LifecycleAlpha) newMarketSignal(e model.MarketLifecycleEvent) model.Signal {
	sig := model.NewSignal("new_market_open", e.MarketTicker,
		model.DirectionNeutral, 0.4, 0.4, model.UrgencyWatch)
	sig.TTLSeconds = int(p.cfg.NewMarketWindow.Seconds())
	sig.Metadata = map[string]any{
		"pattern":   "new_market_premium",
		"status":    e.EventType,
		"opened_at": p.now().Unix(),
	}
	return sig
}

// settlementCascade flags every sibling of a settled market: its
// resolution often forces a repricing of the rest of the event.
func (p *LifecycleAlpha) settlementCascade(ctx context.Context, e model.MarketLifecycleEvent) ([]model.Signal, error) {
	related, err := p.graph.RelatedMarkets(ctx, e.MarketTicker)
	if err != nil {
		return nil, fmt.Errorf("related markets %s: %w", e.MarketTicker, err)
	}

	var out []model.Signal
	for _, ticker := range related {
		if ticker == e.MarketTicker {
			continue
		}
		sig := model.NewSignal("settlement_cascade", ticker,
			model.DirectionNeutral, 0.6, 0.5, model.UrgencyImmediate)
		sig.TTLSeconds = int(p.cfg.SettlementCascadeWindow.Seconds())
		sig.Metadata = map[string]any{
			"settled_market": e.MarketTicker,
			"settled_status": e.EventType,
			"pattern":        "settlement_cascade",
		}
		out = append(out, sig)
	}

	if len(out) > 0 {
		p.logger.Info("settlement cascade detected",
			"settled_market", e.MarketTicker, "related_count", len(out))
	}
	return out, nil
}

// processTicker evaluates the initial pricing of markets opened within
// the new-market window.
func (p *LifecycleAlpha) processTicker(u model.TickerUpdate) []model.Signal {
	openedAt, ok := p.recentOpens[u.MarketTicker]
	if !ok || p.now().Sub(openedAt) >= p.cfg.NewMarketWindow {
		return nil
	}
	if u.Price == nil {
		return nil
	}
	price := *u.Price

	var out []model.Signal

	// Contrarian bet against an initial price far from the midpoint.
	distance := price - 50
	if distance < 0 {
		distance = -distance
	}
	if distance >= 15 {
		dir := model.DirectionBuyYes
		if price > 50 {
			dir = model.DirectionBuyNo
		}
		sig := model.NewSignal("new_market_open", u.MarketTicker, dir,
			min(1, float64(distance)/50),
			min(0.6, 0.3+float64(distance)/100),
			model.UrgencyWatch)
		sig.TTLSeconds = int(p.cfg.NewMarketWindow.Seconds())
		sig.Metadata = map[string]any{
			"initial_price":     price,
			"distance_from_mid": distance,
			"pattern":           "new_market_directional",
		}
		out = append(out, sig)
	}

	if price <= 20 || price >= 80 {
		dir := model.DirectionBuyYes
		if price >= 80 {
			dir = model.DirectionBuyNo
		}
		sig := model.NewSignal("new_market_extreme_price", u.MarketTicker, dir,
			0.5, 0.35, model.UrgencyWatch)
		sig.TTLSeconds = int(p.cfg.NewMarketWindow.Seconds())
		sig.Metadata = map[string]any{
			"initial_price": price,
			"pattern":       "new_market_extreme_price",
		}
		out = append(out, sig)
	}
	return out
}
