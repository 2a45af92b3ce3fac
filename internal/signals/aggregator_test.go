package signals

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

type fakeRegimeSource struct {
	regimes map[string]model.Regime
}

func (f *fakeRegimeSource) Regime(_ context.Context, ticker string) (model.Regime, error) {
	if r, ok := f.regimes[ticker]; ok {
		return r, nil
	}
	return model.RegimeUnknown, nil
}

type fakeCompositePublisher struct {
	published []*model.CompositeSignal
}

func (f *fakeCompositePublisher) Publish(_ context.Context, topic string, v any) error {
	if topic != bus.TopicSignalsComposite {
		panic("unexpected topic " + topic)
	}
	f.published = append(f.published, v.(*model.CompositeSignal))
	return nil
}

func newTestAggregator(regimes map[string]model.Regime) (*Aggregator, *fakeCompositePublisher, *time.Time) {
	pub := &fakeCompositePublisher{}
	a := NewAggregator(DefaultAggregatorConfig(), nil, pub, &fakeRegimeSource{regimes: regimes}, nil)
	now := time.Date(2026, 1, 10, 14, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, pub, &now
}

func liveSignal(signalType, ticker string, dir model.Direction, strength, confidence float64, ts time.Time) model.Signal {
	sig := model.NewSignal(signalType, ticker, dir, strength, confidence, model.UrgencyWatch)
	sig.TS = ts
	return sig
}

func TestConflictingSignalsStayNeutral(t *testing.T) {
	a, pub, now := newTestAggregator(map[string]model.Regime{"M1": model.RegimeActive})

	// Seed the first signal directly so the second observation scores
	// them together.
	a.active["M1"] = []model.Signal{liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 0.8, 0.7, *now)}
	a.observe(context.Background(), liveSignal("oi_divergence", "M1", model.DirectionBuyNo, 0.9, 0.8, *now))

	if len(pub.published) != 0 {
		t.Fatalf("published %d composites, want 0 (|score| below threshold)", len(pub.published))
	}

	comp := a.composite("M1", a.active["M1"], model.RegimeActive, *now)
	if comp == nil {
		t.Fatal("composite is nil")
	}
	// 0.8*(+1)*(0.35*1*0.7) + 0.9*(-1)*(0.30*1*0.8) = 0.196 - 0.216 = -0.020
	// over total weight 0.485.
	if math.Abs(comp.CompositeScore-(-0.0412)) > 1e-9 {
		t.Errorf("score = %v, want -0.0412", comp.CompositeScore)
	}
	if comp.Direction != model.DirectionNeutral {
		t.Errorf("direction = %q, want neutral within the dead zone", comp.Direction)
	}
}

func TestStrongSignalPublishes(t *testing.T) {
	a, pub, now := newTestAggregator(map[string]model.Regime{"M1": model.RegimeActive})

	a.observe(context.Background(), liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 1.0, 1.0, *now))

	if len(pub.published) != 1 {
		t.Fatalf("published %d composites, want 1", len(pub.published))
	}
	comp := pub.published[0]
	if comp.CompositeScore != 1.0 {
		t.Errorf("score = %v, want 1.0", comp.CompositeScore)
	}
	if comp.Direction != model.DirectionBuyYes {
		t.Errorf("direction = %q", comp.Direction)
	}
	if comp.Regime != model.RegimeActive {
		t.Errorf("regime = %q", comp.Regime)
	}
	if len(comp.ActiveSignals) != 1 {
		t.Errorf("active signals = %d", len(comp.ActiveSignals))
	}
}

func TestPublishCooldown(t *testing.T) {
	a, pub, now := newTestAggregator(map[string]model.Regime{"M1": model.RegimeActive})

	a.observe(context.Background(), liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 1.0, 1.0, *now))
	a.observe(context.Background(), liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 1.0, 1.0, *now))
	if len(pub.published) != 1 {
		t.Fatalf("published %d within cooldown, want 1", len(pub.published))
	}

	*now = now.Add(11 * time.Second)
	a.observe(context.Background(), liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 1.0, 1.0, *now))
	if len(pub.published) != 2 {
		t.Errorf("published %d after cooldown, want 2", len(pub.published))
	}
}

func TestInformedRegimeBoostsFlowWeight(t *testing.T) {
	a, _, now := newTestAggregator(nil)

	active := []model.Signal{
		liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 0.8, 0.7, *now),
		liveSignal("oi_divergence", "M1", model.DirectionBuyNo, 0.9, 0.8, *now),
	}

	neutral := a.composite("M1", active, model.RegimeActive, *now)
	boosted := a.composite("M1", active, model.RegimeInformed, *now)

	if boosted.CompositeScore <= neutral.CompositeScore {
		t.Errorf("informed score %v should exceed active score %v (flow weight x1.5)",
			boosted.CompositeScore, neutral.CompositeScore)
	}
}

func TestNeutralSignalsContributeWeightOnly(t *testing.T) {
	a, _, now := newTestAggregator(nil)

	active := []model.Signal{
		liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 1.0, 1.0, *now),
		liveSignal("settlement_cascade", "M1", model.DirectionNeutral, 0.6, 0.5, *now),
	}

	comp := a.composite("M1", active, model.RegimeActive, *now)
	// Neutral signal dilutes: 0.35/(0.35+0.075) ~= 0.8235.
	if comp.CompositeScore >= 1.0 || comp.CompositeScore <= 0.5 {
		t.Errorf("score = %v, want diluted but positive", comp.CompositeScore)
	}
}

func TestExpiredSignalsPruned(t *testing.T) {
	a, _, now := newTestAggregator(map[string]model.Regime{"M1": model.RegimeActive})

	stale := liveSignal("flow_toxicity", "M1", model.DirectionBuyYes, 1.0, 1.0, now.Add(-10*time.Minute))
	a.observe(context.Background(), stale)
	fresh := liveSignal("oi_divergence", "M1", model.DirectionBuyNo, 0.2, 0.5, *now)
	a.observe(context.Background(), fresh)

	active := a.active["M1"]
	if len(active) != 1 {
		t.Fatalf("active = %d, want stale signal pruned", len(active))
	}
	if active[0].SignalID != fresh.SignalID {
		t.Error("wrong signal survived pruning")
	}
}

func TestActiveSignalCap(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.MaxActivePerMarket = 3
	a := NewAggregator(cfg, nil, &fakeCompositePublisher{}, &fakeRegimeSource{}, nil)
	now := time.Date(2026, 1, 10, 14, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		a.observe(context.Background(), liveSignal("flow_large_trade", "M1", model.DirectionBuyYes, 0.1, 0.1, now))
	}
	if len(a.active["M1"]) != 3 {
		t.Errorf("active = %d, want capped at 3", len(a.active["M1"]))
	}
}

func TestUnknownRegimeUsesBaseWeights(t *testing.T) {
	if got := regimeModifier(model.RegimeUnknown, "flow_toxicity"); got != 1.0 {
		t.Errorf("unknown regime modifier = %v, want 1.0", got)
	}
	if got := baseWeight("some_future_signal"); got != defaultSignalWeight {
		t.Errorf("unknown type weight = %v, want %v", got, defaultSignalWeight)
	}
}

func TestCompositeEmptyActive(t *testing.T) {
	a, _, now := newTestAggregator(nil)
	if comp := a.composite("M1", nil, model.RegimeActive, *now); comp != nil {
		t.Errorf("composite over no signals = %+v, want nil", comp)
	}
}
