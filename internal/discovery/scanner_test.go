package discovery

import (
	"context"
	"sort"
	"testing"

	"github.com/rickgao/kalshi-alpha/internal/api"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

type fakeMarketsAPI struct {
	pages []api.MarketsResponse
	calls int
}

func (f *fakeMarketsAPI) GetMarkets(_ context.Context, opts api.GetMarketsOptions) (*api.MarketsResponse, error) {
	if opts.Status != "open" {
		return &api.MarketsResponse{}, nil
	}
	if f.calls >= len(f.pages) {
		return &api.MarketsResponse{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return &page, nil
}

func (f *fakeMarketsAPI) GetEvents(context.Context, string) (*api.EventsResponse, error) {
	return &api.EventsResponse{}, nil
}

func (f *fakeMarketsAPI) GetSeries(context.Context, string) (*model.Series, error) {
	return &model.Series{}, nil
}

func mkt(ticker string) model.Market {
	return model.Market{Ticker: ticker, EventTicker: "EV", SeriesTicker: "SER", Status: "open"}
}

func TestFetchAllMarketsFollowsCursor(t *testing.T) {
	client := &fakeMarketsAPI{pages: []api.MarketsResponse{
		{Markets: []model.Market{mkt("A"), mkt("B")}, Cursor: "next"},
		{Markets: []model.Market{mkt("C")}},
	}}
	s := NewScanner(client, nil, nil, 0, nil)

	markets, err := s.fetchAllMarkets(context.Background())
	if err != nil {
		t.Fatalf("fetchAllMarkets: %v", err)
	}
	if len(markets) != 3 {
		t.Fatalf("got %d markets, want 3", len(markets))
	}
	if client.calls != 2 {
		t.Errorf("pages fetched = %d, want 2", client.calls)
	}
}

func TestFetchAllMarketsEmptyPageStops(t *testing.T) {
	client := &fakeMarketsAPI{pages: []api.MarketsResponse{
		{Markets: []model.Market{mkt("A")}, Cursor: "next"},
		{Cursor: "dangling"},
	}}
	s := NewScanner(client, nil, nil, 0, nil)

	markets, err := s.fetchAllMarkets(context.Background())
	if err != nil {
		t.Fatalf("fetchAllMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Errorf("got %d markets, want 1", len(markets))
	}
}

func TestDiffMarkets(t *testing.T) {
	known := map[string]struct{}{"A": {}, "B": {}}
	current := []model.Market{mkt("B"), mkt("C")}

	newMarkets, closed := diffMarkets(known, current)

	if len(newMarkets) != 1 || newMarkets[0].Ticker != "C" {
		t.Errorf("new = %v, want [C]", newMarkets)
	}
	if len(closed) != 1 || closed[0] != "A" {
		t.Errorf("closed = %v, want [A]", closed)
	}
}

func TestDiffMarketsFirstScanAllNew(t *testing.T) {
	current := []model.Market{mkt("A"), mkt("B")}

	newMarkets, closed := diffMarkets(map[string]struct{}{}, current)

	var tickers []string
	for _, m := range newMarkets {
		tickers = append(tickers, m.Ticker)
	}
	sort.Strings(tickers)
	if len(tickers) != 2 || tickers[0] != "A" || tickers[1] != "B" {
		t.Errorf("new = %v, want [A B]", tickers)
	}
	if len(closed) != 0 {
		t.Errorf("closed = %v, want none", closed)
	}
}
