package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/kalshi-alpha/internal/model"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestOrderbookReconstruction(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)
	ctx := context.Background()
	key := "state:orderbook:M1"

	snap := model.OrderbookSnapshot{
		MarketTicker: "M1",
		Yes:          []model.PriceLevel{{Price: 36, Qty: 100}, {Price: 35, Qty: 200}},
		No:           []model.PriceLevel{{Price: 64, Qty: 80}, {Price: 65, Qty: 120}},
	}
	book0 := Book{MarketTicker: "M1", Yes: map[int]int{36: 100, 35: 200}, No: map[int]int{64: 80, 65: 120}}
	mock.ExpectSet(key, mustJSON(t, book0), 0).SetVal("OK")
	require.NoError(t, s.ApplySnapshot(ctx, snap))

	// Delta 1: yes 36 -20.
	book1 := Book{MarketTicker: "M1", Yes: map[int]int{36: 80, 35: 200}, No: map[int]int{64: 80, 65: 120}}
	mock.ExpectGet(key).SetVal(string(mustJSON(t, book0)))
	mock.ExpectSet(key, mustJSON(t, book1), 0).SetVal("OK")
	require.NoError(t, s.ApplyDelta(ctx, model.OrderbookDelta{MarketTicker: "M1", Price: 36, Delta: -20, Side: model.TakerYes}))

	// Delta 2: yes 33 +50 on a missing level.
	book2 := Book{MarketTicker: "M1", Yes: map[int]int{36: 80, 35: 200, 33: 50}, No: map[int]int{64: 80, 65: 120}}
	mock.ExpectGet(key).SetVal(string(mustJSON(t, book1)))
	mock.ExpectSet(key, mustJSON(t, book2), 0).SetVal("OK")
	require.NoError(t, s.ApplyDelta(ctx, model.OrderbookDelta{MarketTicker: "M1", Price: 33, Delta: 50, Side: model.TakerYes}))

	// Delta 3: no 64 -80 empties the level entirely.
	book3 := Book{MarketTicker: "M1", Yes: map[int]int{36: 80, 35: 200, 33: 50}, No: map[int]int{65: 120}}
	mock.ExpectGet(key).SetVal(string(mustJSON(t, book2)))
	mock.ExpectSet(key, mustJSON(t, book3), 0).SetVal("OK")
	require.NoError(t, s.ApplyDelta(ctx, model.OrderbookDelta{MarketTicker: "M1", Price: 64, Delta: -80, Side: model.TakerNo}))

	mock.ExpectGet(key).SetVal(string(mustJSON(t, book3)))
	got, err := s.Book(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{33: 50, 35: 200, 36: 80}, got.Yes)
	assert.Equal(t, map[int]int{65: 120}, got.No)

	mock.ExpectGet(key).SetVal(string(mustJSON(t, book3)))
	spread, ok, err := s.Spread(ctx, "M1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, -1, spread)

	mock.ExpectGet(key).SetVal(string(mustJSON(t, book3)))
	mid, ok, err := s.Midpoint(ctx, "M1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 35.5, mid)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaWithoutSnapshot(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	mock.ExpectGet("state:orderbook:M9").RedisNil()

	err := s.ApplyDelta(context.Background(), model.OrderbookDelta{MarketTicker: "M9", Price: 50, Delta: 10, Side: model.TakerYes})
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpreadOneSidedBook(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	book := Book{MarketTicker: "M1", Yes: map[int]int{50: 10}, No: map[int]int{}}
	mock.ExpectGet("state:orderbook:M1").SetVal(string(mustJSON(t, book)))

	_, ok, err := s.Spread(context.Background(), "M1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegimeRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)
	ctx := context.Background()

	price := 42
	rs := model.RegimeState{
		Regime:         model.RegimeInformed,
		DepthImbalance: 0.72,
		TradeRate:      6.2,
		MessageRate:    1.4,
		LastPrice:      &price,
		YesDepth:       900,
		NoDepth:        150,
		TS:             1700000000,
	}
	mock.ExpectSet("state:regime:M1", mustJSON(t, rs), regimeTTL).SetVal("OK")
	require.NoError(t, s.SetRegime(ctx, "M1", rs))

	mock.ExpectGet("state:regime:M1").SetVal(string(mustJSON(t, rs)))
	got, err := s.Regime(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.RegimeInformed, got)

	mock.ExpectGet("state:regime:M2").RedisNil()
	got, err = s.Regime(ctx, "M2")
	require.NoError(t, err)
	assert.Equal(t, model.RegimeUnknown, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshMarkets(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	m := model.Market{Ticker: "M1", EventTicker: "E1", SeriesTicker: "S1", MarketType: "binary", Title: "Above 3.5", Status: "open"}
	fields := map[string]string{"M1": string(mustJSON(t, m))}

	mock.ExpectTxPipeline()
	mock.ExpectDel(marketsKey).SetVal(1)
	mock.ExpectHSet(marketsKey, fields).SetVal(1)
	mock.ExpectExpire(marketsKey, metaTTL).SetVal(true)
	mock.ExpectTxPipelineExec()

	require.NoError(t, s.RefreshMarkets(context.Background(), []model.Market{m}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarketsSkipsCorruptEntries(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	m := model.Market{Ticker: "M1", EventTicker: "E1", Status: "open"}
	mock.ExpectHGetAll(marketsKey).SetVal(map[string]string{
		"M1":  string(mustJSON(t, m)),
		"BAD": "{not json",
	})

	got, err := s.Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E1", got["M1"].EventTicker)
}

func TestBookTickers(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	mock.ExpectScan(0, "state:orderbook:*", 100).SetVal([]string{
		"state:orderbook:M1", "state:orderbook:M2",
	}, 0)

	tickers, err := s.BookTickers(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"M1", "M2"}, tickers)
}

func TestTickerState(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)
	ctx := context.Background()

	price := 63
	ts := TickerState{MarketTicker: "M1", Price: &price, TS: 1700000000}
	mock.ExpectSet("state:ticker:M1", mustJSON(t, ts), regimeTTL).SetVal("OK")
	require.NoError(t, s.SetTickerState(ctx, ts))

	mock.ExpectGet("state:ticker:M1").SetVal(string(mustJSON(t, ts)))
	got, err := s.TickerState(ctx, "M1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 63, *got.Price)

	mock.ExpectGet("state:ticker:M2").RedisNil()
	got, err = s.TickerState(ctx, "M2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSeriesGraph(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)
	ctx := context.Background()

	graph := map[string][]string{"E1": {"M1", "M2"}}
	mock.ExpectSet("meta:series:S1", mustJSON(t, graph), metaTTL).SetVal("OK")
	require.NoError(t, s.SetSeriesGraph(ctx, "S1", graph))

	mock.ExpectGet("meta:series:S1").SetVal(string(mustJSON(t, graph)))
	got, err := s.SeriesGraph(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, graph, got)
}

func TestSetHealthUsesTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	payload := map[string]any{"status": "ok"}
	mock.ExpectSet("health:ws_ingest", mustJSON(t, payload), healthTTL).SetVal("OK")
	require.NoError(t, s.SetHealth(context.Background(), "ws_ingest", payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegimeDecodeError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewStore(db, nil)

	mock.ExpectGet("state:regime:M1").SetVal("{broken")
	got, err := s.Regime(context.Background(), "M1")
	assert.Error(t, err)
	assert.Equal(t, model.RegimeUnknown, got)
}
