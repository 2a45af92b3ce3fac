package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

func tradePayload(t *testing.T, trade model.Trade) []byte {
	t.Helper()
	data, err := json.Marshal(trade)
	if err != nil {
		t.Fatalf("marshal trade: %v", err)
	}
	return data
}

func TestOneSidedBucketEmitsToxicity(t *testing.T) {
	cfg := DefaultFlowToxicityConfig()
	cfg.MinMarketVolume = 0
	p := NewFlowToxicity(cfg, nil)

	var all []model.Signal
	for i := 0; i < 50; i++ {
		sigs, err := p.Process(context.Background(), bus.TopicTrades, tradePayload(t, model.Trade{
			TradeID:      fmt.Sprintf("T%d", i),
			MarketTicker: "MKT-A",
			YesPrice:     40,
			NoPrice:      60,
			Count:        1,
			TakerSide:    model.TakerYes,
			TS:           int64(1700000000 + i*10),
		}))
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		if i < 24 && len(sigs) != 0 {
			t.Fatalf("trade %d emitted %d signals before bucket filled", i, len(sigs))
		}
		if i == 24 {
			if len(sigs) != 1 {
				t.Fatalf("trade 25 emitted %d signals, want 1", len(sigs))
			}
			sig := sigs[0]
			if sig.SignalType != "flow_toxicity" {
				t.Errorf("signal_type = %q", sig.SignalType)
			}
			if sig.Direction != model.DirectionBuyYes {
				t.Errorf("direction = %q, want buy_yes", sig.Direction)
			}
			if sig.Strength != 1.0 {
				t.Errorf("strength = %v, want 1.0", sig.Strength)
			}
			if sig.Urgency != model.UrgencyImmediate {
				t.Errorf("urgency = %q, want immediate", sig.Urgency)
			}
			if sig.Metadata["vpin"] != 1.0 {
				t.Errorf("vpin = %v, want 1.0", sig.Metadata["vpin"])
			}
		}
		all = append(all, sigs...)
	}

	// One toxicity signal per completed one-sided bucket.
	if len(all) != 2 {
		t.Errorf("emitted %d signals over 50 trades, want 2", len(all))
	}
}

func TestBalancedBucketStaysQuiet(t *testing.T) {
	cfg := DefaultFlowToxicityConfig()
	cfg.MinMarketVolume = 0
	p := NewFlowToxicity(cfg, nil)

	for i := 0; i < 26; i++ {
		side := model.TakerYes
		if i%2 == 1 {
			side = model.TakerNo
		}
		sigs, err := p.Process(context.Background(), bus.TopicTrades, tradePayload(t, model.Trade{
			TradeID: "T", MarketTicker: "MKT-A", Count: 1, TakerSide: side,
			TS: int64(1700000000 + i*10),
		}))
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		if len(sigs) != 0 {
			t.Fatalf("balanced flow emitted %v", sigs)
		}
	}
}

func TestIlliquidMarketSkipped(t *testing.T) {
	p := NewFlowToxicity(DefaultFlowToxicityConfig(), nil)

	for i := 0; i < 40; i++ {
		sigs, err := p.Process(context.Background(), bus.TopicTrades, tradePayload(t, model.Trade{
			TradeID: "T", MarketTicker: "MKT-THIN", Count: 1, TakerSide: model.TakerYes,
			TS: int64(1700000000 + i*10),
		}))
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		if len(sigs) != 0 {
			t.Fatalf("illiquid market emitted %v at trade %d", sigs, i)
		}
	}

	st := p.states["MKT-THIN"]
	if st.totalTrades != 11 {
		t.Errorf("state kept growing past the liquidity gate: %d trades", st.totalTrades)
	}
}

func TestBurstDetection(t *testing.T) {
	cfg := DefaultFlowToxicityConfig()
	cfg.MinMarketVolume = 0
	cfg.BucketSize = 1000 // keep buckets out of the way
	p := NewFlowToxicity(cfg, nil)

	var burst []model.Signal
	for i := 0; i < 8; i++ {
		sigs, err := p.Process(context.Background(), bus.TopicTrades, tradePayload(t, model.Trade{
			TradeID: "T", MarketTicker: "MKT-A", Count: 1, TakerSide: model.TakerYes,
			TS: 1700000000, // all within the same second
		}))
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		burst = append(burst, sigs...)
	}

	if len(burst) != 1 {
		t.Fatalf("got %d signals, want 1 burst", len(burst))
	}
	if burst[0].SignalType != "flow_burst" {
		t.Errorf("signal_type = %q", burst[0].SignalType)
	}
	if burst[0].Urgency != model.UrgencyImmediate {
		t.Errorf("urgency = %q", burst[0].Urgency)
	}
	if burst[0].Direction != model.DirectionBuyYes {
		t.Errorf("direction = %q", burst[0].Direction)
	}
}

func TestLargeTradeAnomaly(t *testing.T) {
	cfg := DefaultFlowToxicityConfig()
	cfg.MinMarketVolume = 0
	cfg.BucketSize = 1000
	p := NewFlowToxicity(cfg, nil)

	for i := 0; i < 5; i++ {
		if _, err := p.Process(context.Background(), bus.TopicTrades, tradePayload(t, model.Trade{
			TradeID: "T", MarketTicker: "MKT-A", Count: 10, TakerSide: model.TakerYes,
			TS: int64(1700000000 + i*60),
		})); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}

	// Mean is 10; a 100-lot is well past 3x even after it joins the mean.
	sigs, err := p.Process(context.Background(), bus.TopicTrades, tradePayload(t, model.Trade{
		TradeID: "T-BIG", MarketTicker: "MKT-A", Count: 100, TakerSide: model.TakerNo,
		TS: 1700000600,
	}))
	if err != nil {
		t.Fatalf("large trade: %v", err)
	}

	var large *model.Signal
	for i := range sigs {
		if sigs[i].SignalType == "flow_large_trade" {
			large = &sigs[i]
		}
	}
	if large == nil {
		t.Fatalf("no flow_large_trade in %v", sigs)
	}
	if large.Direction != model.DirectionBuyNo {
		t.Errorf("direction = %q, want taker side", large.Direction)
	}
	if large.Urgency != model.UrgencyWatch {
		t.Errorf("urgency = %q", large.Urgency)
	}
}

func TestMalformedTradeRejected(t *testing.T) {
	p := NewFlowToxicity(DefaultFlowToxicityConfig(), nil)
	if _, err := p.Process(context.Background(), bus.TopicTrades, []byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
	if _, err := p.Process(context.Background(), bus.TopicTrades, []byte("{}")); err == nil {
		t.Error("expected missing-ticker error")
	}
}
