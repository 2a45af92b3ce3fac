package gapfill

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/kalshi-alpha/internal/api"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

func tsp(t time.Time) *time.Time { return &t }

func TestFindGaps(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	pairs := []tsPair{
		{ts: base, next: tsp(base.Add(60 * time.Second))},
		{ts: base.Add(60 * time.Second), next: tsp(base.Add(10 * time.Minute))},
		{ts: base.Add(10 * time.Minute), next: nil},
	}

	gaps := findGaps(pairs, DefaultTradeGapThreshold)
	if len(gaps) != 1 {
		t.Fatalf("got %d gaps, want 1", len(gaps))
	}
	if !gaps[0].Start.Equal(base.Add(60 * time.Second)) {
		t.Errorf("gap start = %v", gaps[0].Start)
	}
	if gaps[0].Duration() != 9*time.Minute {
		t.Errorf("gap duration = %v, want 9m", gaps[0].Duration())
	}
}

func TestFindGapsContinuousRecord(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	var pairs []tsPair
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		next := ts.Add(time.Minute)
		pairs = append(pairs, tsPair{ts: ts, next: &next})
	}

	if gaps := findGaps(pairs, DefaultTradeGapThreshold); len(gaps) != 0 {
		t.Errorf("got %v, want no gaps", gaps)
	}
}

func TestFindGapsEmptyWindow(t *testing.T) {
	if gaps := findGaps(nil, DefaultTradeGapThreshold); len(gaps) != 0 {
		t.Errorf("got %v for empty window", gaps)
	}
}

// --- backfiller fakes ---

type fakeTradesAPI struct {
	pages   []api.TradesResponse
	calls   int
	lastOpt api.GetTradesOptions
	candles int
}

func (f *fakeTradesAPI) GetTrades(_ context.Context, _ string, opts api.GetTradesOptions) (*api.TradesResponse, error) {
	f.lastOpt = opts
	if f.calls >= len(f.pages) {
		return &api.TradesResponse{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return &page, nil
}

func (f *fakeTradesAPI) GetCandlesticks(context.Context, string, string, int) (*api.CandlesticksResponse, error) {
	resp := &api.CandlesticksResponse{Candlesticks: make([]model.Candlestick, f.candles)}
	return resp, nil
}

type fakeBatchResults struct {
	tags []pgconn.CommandTag
	pos  int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if f.pos >= len(f.tags) {
		return pgconn.CommandTag{}, errors.New("no more results")
	}
	tag := f.tags[f.pos]
	f.pos++
	return tag, nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (f *fakeBatchResults) Close() error             { return nil }

type fakeDB struct {
	// one tag per queued insert, consumed in order across batches
	tags    []pgconn.CommandTag
	series  string
	batches int
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches++
	n := b.Len()
	take := f.tags
	if len(take) > n {
		take = take[:n]
	}
	f.tags = f.tags[len(take):]
	return &fakeBatchResults{tags: take}
}

type fakeRow struct{ val string }

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.val
	return nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{val: f.series}
}

func insertedTag() pgconn.CommandTag { return pgconn.NewCommandTag("INSERT 0 1") }
func conflictTag() pgconn.CommandTag { return pgconn.NewCommandTag("INSERT 0 0") }

func bfTrade(i int) model.Trade {
	return model.Trade{
		TradeID:      fmt.Sprintf("T%d", i),
		MarketTicker: "MKT-A",
		YesPrice:     45,
		NoPrice:      55,
		Count:        1,
		TakerSide:    model.TakerYes,
		TS:           1700000000 + int64(i),
	}
}

func window() (time.Time, time.Time) {
	end := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return end.Add(-time.Hour), end
}

func TestBackfillWindowAlreadyPersisted(t *testing.T) {
	client := &fakeTradesAPI{pages: []api.TradesResponse{
		{Trades: []model.Trade{bfTrade(1), bfTrade(2), bfTrade(3)}},
	}}
	db := &fakeDB{tags: []pgconn.CommandTag{conflictTag(), conflictTag(), conflictTag()}}
	b := NewBackfiller(client, db, nil)

	start, end := window()
	res, err := b.BackfillTrades(context.Background(), "MKT-A", start, end)
	if err != nil {
		t.Fatalf("BackfillTrades: %v", err)
	}
	if res.Fetched != 3 {
		t.Errorf("fetched = %d, want 3", res.Fetched)
	}
	if res.Inserted != 0 {
		t.Errorf("inserted = %d, want 0 for a window already on disk", res.Inserted)
	}
}

func TestBackfillInsertsMissingRows(t *testing.T) {
	client := &fakeTradesAPI{pages: []api.TradesResponse{
		{Trades: []model.Trade{bfTrade(1), bfTrade(2), bfTrade(3)}},
	}}
	db := &fakeDB{tags: []pgconn.CommandTag{insertedTag(), conflictTag(), insertedTag()}}
	b := NewBackfiller(client, db, nil)

	start, end := window()
	res, err := b.BackfillTrades(context.Background(), "MKT-A", start, end)
	if err != nil {
		t.Fatalf("BackfillTrades: %v", err)
	}
	if res.Inserted != 2 {
		t.Errorf("inserted = %d, want 2", res.Inserted)
	}
}

func TestBackfillFollowsCursor(t *testing.T) {
	client := &fakeTradesAPI{pages: []api.TradesResponse{
		{Trades: []model.Trade{bfTrade(1)}, Cursor: "next"},
		{Trades: []model.Trade{bfTrade(2)}},
	}}
	db := &fakeDB{tags: []pgconn.CommandTag{insertedTag(), insertedTag()}}
	b := NewBackfiller(client, db, nil)

	start, end := window()
	res, err := b.BackfillTrades(context.Background(), "MKT-A", start, end)
	if err != nil {
		t.Fatalf("BackfillTrades: %v", err)
	}
	if res.Fetched != 2 || client.calls != 2 {
		t.Errorf("fetched=%d pages=%d, want 2/2", res.Fetched, client.calls)
	}
	if db.batches != 2 {
		t.Errorf("batches = %d, want one per page", db.batches)
	}
}

func TestBackfillWindowBoundsPassedToAPI(t *testing.T) {
	client := &fakeTradesAPI{}
	b := NewBackfiller(client, &fakeDB{}, nil)

	start, end := window()
	if _, err := b.BackfillTrades(context.Background(), "MKT-A", start, end); err != nil {
		t.Fatalf("BackfillTrades: %v", err)
	}
	if client.lastOpt.MinTS != start.Unix() || client.lastOpt.MaxTS != end.Unix() {
		t.Errorf("window = [%d, %d], want [%d, %d]",
			client.lastOpt.MinTS, client.lastOpt.MaxTS, start.Unix(), end.Unix())
	}
}

func TestBackfillSkipsInvalidTrades(t *testing.T) {
	bad := bfTrade(1)
	bad.Count = 0
	client := &fakeTradesAPI{pages: []api.TradesResponse{
		{Trades: []model.Trade{bad, bfTrade(2)}},
	}}
	db := &fakeDB{tags: []pgconn.CommandTag{insertedTag()}}
	b := NewBackfiller(client, db, nil)

	start, end := window()
	res, err := b.BackfillTrades(context.Background(), "MKT-A", start, end)
	if err != nil {
		t.Fatalf("BackfillTrades: %v", err)
	}
	if res.Fetched != 1 || res.Inserted != 1 {
		t.Errorf("res = %+v, want invalid trade dropped", res)
	}
}

func TestBackfillGapsCandlestickFallback(t *testing.T) {
	client := &fakeTradesAPI{candles: 4}
	db := &fakeDB{series: "SER-A"}
	b := NewBackfiller(client, db, nil)

	start, end := window()
	results := b.BackfillGaps(context.Background(), map[string][]Gap{
		"MKT-A": {{Start: start, End: end}},
	})
	if results["MKT-A"] != 0 {
		t.Errorf("records = %d, want 0 trades", results["MKT-A"])
	}
}
