package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
	"github.com/rickgao/kalshi-alpha/internal/state"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, v any) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic: topic, payload: data})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeBooks struct {
	snapshots []model.OrderbookSnapshot
	deltas    []model.OrderbookDelta
	tickers   []state.TickerState
	deltaErr  error
}

func (f *fakeBooks) ApplySnapshot(_ context.Context, snap model.OrderbookSnapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeBooks) ApplyDelta(_ context.Context, d model.OrderbookDelta) error {
	if f.deltaErr != nil {
		return f.deltaErr
	}
	f.deltas = append(f.deltas, d)
	return nil
}

func (f *fakeBooks) SetTickerState(_ context.Context, t state.TickerState) error {
	f.tickers = append(f.tickers, t)
	return nil
}

func newTestManager() (*Manager, *fakePublisher, *fakeBooks, *bytes.Buffer) {
	pub := &fakePublisher{}
	books := &fakeBooks{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := NewManager(ManagerConfig{WSURL: "wss://example.test/trade-api/ws/v2"}, nil, pub, books, logger)
	return m, pub, books, &buf
}

func TestSubscribeAssignsSequentialSIDs(t *testing.T) {
	m, _, _, _ := newTestManager()

	sid1 := m.Subscribe([]string{"trade"}, nil)
	sid2 := m.Subscribe([]string{"orderbook_delta"}, []string{"MKT-A"})

	if sid1 != 1 || sid2 != 2 {
		t.Errorf("sids = %d, %d, want 1, 2", sid1, sid2)
	}
	if got := m.Stats().Subscriptions; got != 2 {
		t.Errorf("subscriptions = %d, want 2", got)
	}
}

func TestUpdateSubscriptionTickers(t *testing.T) {
	m, _, _, _ := newTestManager()

	sid := m.Subscribe([]string{"orderbook_delta"}, []string{"MKT-A"})
	if err := m.UpdateSubscription(sid, []string{"MKT-B", "MKT-C"}, []string{"MKT-A"}); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}

	m.mu.Lock()
	tickers := append([]string(nil), m.subs[sid].Tickers...)
	m.mu.Unlock()

	if len(tickers) != 2 || tickers[0] != "MKT-B" || tickers[1] != "MKT-C" {
		t.Errorf("tickers = %v, want [MKT-B MKT-C]", tickers)
	}

	if err := m.UpdateSubscription(999, []string{"X"}, nil); err == nil {
		t.Error("expected error for unknown sid")
	}
}

func TestUnsubscribeDropsSequenceState(t *testing.T) {
	m, _, _, _ := newTestManager()

	sid := m.Subscribe([]string{"orderbook_delta"}, []string{"MKT-A"})
	m.trackSequence(sid, 5)

	m.Unsubscribe(sid)

	m.mu.Lock()
	_, hasSub := m.subs[sid]
	_, hasSeq := m.lastSeq[sid]
	m.mu.Unlock()

	if hasSub || hasSeq {
		t.Errorf("state not dropped: sub=%v seq=%v", hasSub, hasSeq)
	}
}

func TestSequenceGapLogged(t *testing.T) {
	m, _, _, buf := newTestManager()
	ctx := context.Background()

	delta := `{"market_ticker":"MKT-A","price":35,"delta":10,"side":"yes","ts":"2026-01-10T14:30:00Z"}`
	m.handleMessage(ctx, []byte(`{"type":"orderbook_delta","sid":7,"seq":5,"msg":`+delta+`}`))
	m.handleMessage(ctx, []byte(`{"type":"orderbook_delta","sid":7,"seq":9,"msg":`+delta+`}`))

	out := buf.String()
	if !strings.Contains(out, "sequence gap detected") {
		t.Fatalf("no gap warning in log:\n%s", out)
	}
	if !strings.Contains(out, "expected=6") || !strings.Contains(out, "received=9") {
		t.Errorf("gap log missing expected/received:\n%s", out)
	}

	m.mu.Lock()
	last := m.lastSeq[7]
	m.mu.Unlock()
	if last != 9 {
		t.Errorf("last seq = %d, want 9 (always advance)", last)
	}
}

func TestSequentialSequenceNoGap(t *testing.T) {
	m, _, _, buf := newTestManager()
	ctx := context.Background()

	delta := `{"market_ticker":"MKT-A","price":35,"delta":10,"side":"yes","ts":"2026-01-10T14:30:00Z"}`
	m.handleMessage(ctx, []byte(`{"type":"orderbook_delta","sid":7,"seq":5,"msg":`+delta+`}`))
	m.handleMessage(ctx, []byte(`{"type":"orderbook_delta","sid":7,"seq":6,"msg":`+delta+`}`))

	if strings.Contains(buf.String(), "sequence gap detected") {
		t.Errorf("unexpected gap warning:\n%s", buf.String())
	}
}

func TestTradeRouted(t *testing.T) {
	m, pub, _, _ := newTestManager()

	raw := `{"type":"trade","sid":3,"seq":1,"msg":{"trade_id":"T1","market_ticker":"MKT-A","yes_price":36,"no_price":64,"count":10,"taker_side":"yes","ts":1700000000}}`
	m.handleMessage(context.Background(), []byte(raw))

	msgs := pub.byTopic(bus.TopicTrades)
	if len(msgs) != 1 {
		t.Fatalf("published %d trades, want 1", len(msgs))
	}

	var trade model.Trade
	if err := json.Unmarshal(msgs[0].payload, &trade); err != nil {
		t.Fatalf("unmarshal published trade: %v", err)
	}
	if trade.TradeID != "T1" || trade.YesPrice != 36 {
		t.Errorf("trade = %+v", trade)
	}
}

func TestInvalidTradeDropped(t *testing.T) {
	m, pub, _, buf := newTestManager()

	raw := `{"type":"trade","msg":{"trade_id":"T1","market_ticker":"MKT-A","yes_price":150,"no_price":64,"count":10,"taker_side":"yes","ts":1700000000}}`
	m.handleMessage(context.Background(), []byte(raw))

	if len(pub.byTopic(bus.TopicTrades)) != 0 {
		t.Error("invalid trade was published")
	}
	if !strings.Contains(buf.String(), "trade rejected") {
		t.Errorf("rejection not logged:\n%s", buf.String())
	}
}

func TestTickerRoutedAndStateWritten(t *testing.T) {
	m, pub, books, _ := newTestManager()

	raw := `{"type":"ticker_v2","msg":{"market_ticker":"MKT-A","price":42,"open_interest_delta":25,"ts":1700000100}}`
	m.handleMessage(context.Background(), []byte(raw))

	if len(pub.byTopic(bus.TopicTickerV2)) != 1 {
		t.Fatal("ticker not published")
	}
	if len(books.tickers) != 1 {
		t.Fatal("ticker state not written")
	}
	got := books.tickers[0]
	if got.MarketTicker != "MKT-A" || got.Price == nil || *got.Price != 42 || got.TS != 1700000100 {
		t.Errorf("ticker state = %+v", got)
	}
}

func TestTickerWithoutPriceSkipsState(t *testing.T) {
	m, pub, books, _ := newTestManager()

	raw := `{"type":"ticker_v2","msg":{"market_ticker":"MKT-A","volume_delta":5,"ts":1700000100}}`
	m.handleMessage(context.Background(), []byte(raw))

	if len(pub.byTopic(bus.TopicTickerV2)) != 1 {
		t.Fatal("ticker not published")
	}
	if len(books.tickers) != 0 {
		t.Error("state written for priceless update")
	}
}

func TestSnapshotAppliedAndPublished(t *testing.T) {
	m, pub, books, _ := newTestManager()

	raw := `{"type":"orderbook_snapshot","sid":7,"seq":1,"msg":{"market_ticker":"MKT-A","yes":[[36,100],[35,200]],"no":[[64,80]]}}`
	m.handleMessage(context.Background(), []byte(raw))

	if len(books.snapshots) != 1 {
		t.Fatal("snapshot not applied")
	}
	if books.snapshots[0].MarketTicker != "MKT-A" || len(books.snapshots[0].Yes) != 2 {
		t.Errorf("snapshot = %+v", books.snapshots[0])
	}
	if len(pub.byTopic(bus.TopicOrderbookSnapshots)) != 1 {
		t.Error("snapshot not published")
	}
}

func TestDeltaBeforeSnapshotStillPublished(t *testing.T) {
	m, pub, books, buf := newTestManager()
	books.deltaErr = state.ErrNoSnapshot

	raw := `{"type":"orderbook_delta","sid":7,"seq":1,"msg":{"market_ticker":"MKT-A","price":35,"delta":-20,"side":"yes","ts":"2026-01-10T14:30:00Z"}}`
	m.handleMessage(context.Background(), []byte(raw))

	if !strings.Contains(buf.String(), "delta before snapshot") {
		t.Errorf("missing warning:\n%s", buf.String())
	}
	if len(pub.byTopic(bus.TopicOrderbookDeltas)) != 1 {
		t.Error("delta should still be persisted via the bus")
	}
}

func TestDeltaApplyErrorSkipsPublish(t *testing.T) {
	m, pub, books, _ := newTestManager()
	books.deltaErr = errors.New("connection refused")

	raw := `{"type":"orderbook_delta","msg":{"market_ticker":"MKT-A","price":35,"delta":-20,"side":"yes","ts":"2026-01-10T14:30:00Z"}}`
	m.handleMessage(context.Background(), []byte(raw))

	if len(pub.byTopic(bus.TopicOrderbookDeltas)) != 0 {
		t.Error("delta published after state failure")
	}
}

func TestLifecycleRouted(t *testing.T) {
	m, pub, _, _ := newTestManager()

	raw := `{"type":"market_lifecycle_v2","msg":{"market_ticker":"MKT-A","event_type":"settled","result":"yes","ts":1700000200}}`
	m.handleMessage(context.Background(), []byte(raw))

	msgs := pub.byTopic(bus.TopicLifecycle)
	if len(msgs) != 1 {
		t.Fatal("lifecycle not published")
	}

	var event model.MarketLifecycleEvent
	if err := json.Unmarshal(msgs[0].payload, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.EventType != "settled" || event.Result != "yes" {
		t.Errorf("event = %+v", event)
	}
}

func TestEventLifecycleRouted(t *testing.T) {
	m, pub, _, _ := newTestManager()

	raw := `{"type":"event_lifecycle","msg":{"event_ticker":"EVT-1","status":"closed","ts":1700000300}}`
	m.handleMessage(context.Background(), []byte(raw))

	if len(pub.byTopic(bus.TopicEventLifecycle)) != 1 {
		t.Error("event lifecycle not published")
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	m, pub, _, buf := newTestManager()

	m.handleMessage(context.Background(), []byte(`{not json`))

	if len(pub.msgs) != 0 {
		t.Error("published from malformed frame")
	}
	if !strings.Contains(buf.String(), "invalid frame") {
		t.Errorf("parse failure not logged:\n%s", buf.String())
	}
}

func TestCommandResponseLoggedOnly(t *testing.T) {
	m, pub, _, _ := newTestManager()

	m.handleMessage(context.Background(), []byte(`{"id":5,"type":"subscribed","msg":{"sid":12,"channel":"trade"}}`))
	m.handleMessage(context.Background(), []byte(`{"id":6}`))

	if len(pub.msgs) != 0 {
		t.Errorf("control frames were published: %+v", pub.msgs)
	}
}

func TestStatsResetAfterLog(t *testing.T) {
	m, _, _, _ := newTestManager()
	ctx := context.Background()

	raw := `{"type":"trade","msg":{"trade_id":"T1","market_ticker":"MKT-A","yes_price":36,"no_price":64,"count":1,"taker_side":"yes","ts":1700000000}}`
	m.handleMessage(ctx, []byte(raw))
	m.handleMessage(ctx, []byte(raw))

	if got := m.Stats().ByType["trade"]; got != 2 {
		t.Fatalf("trade count = %d, want 2", got)
	}

	m.logStats()

	if got := m.Stats().ByType["trade"]; got != 0 {
		t.Errorf("trade count after reset = %d, want 0", got)
	}
}
