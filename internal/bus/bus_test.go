package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/kalshi-alpha/internal/model"
)

func TestMaxLen(t *testing.T) {
	assert.Equal(t, int64(100_000), MaxLen(TopicTrades))
	assert.Equal(t, int64(100_000), MaxLen(TopicOrderbookDeltas))
	assert.Equal(t, int64(10_000), MaxLen(TopicSignalsFlowToxicity))
	assert.Equal(t, int64(10_000), MaxLen(TopicSignalsComposite))
	assert.Equal(t, int64(10_000), MaxLen(TopicSystem))
}

func TestPublisherPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPublisher(db, nil)

	trade := model.Trade{TradeID: "X1", MarketTicker: "M1", YesPrice: 36, NoPrice: 64, Count: 10, TakerSide: model.TakerYes, TS: 1700000000}
	payload, err := json.Marshal(trade)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: TopicTrades,
		MaxLen: 100_000,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).SetVal("1-0")

	require.NoError(t, p.Publish(context.Background(), TopicTrades, trade))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishSignalFansIn(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPublisher(db, nil)

	sig := model.NewSignal("flow_toxicity", "M1", model.DirectionBuyYes, 0.9, 0.7, model.UrgencyImmediate)
	payload, err := json.Marshal(sig)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: TopicSignalsFlowToxicity,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).SetVal("1-0")
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: TopicSignalsAll,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).SetVal("1-1")

	require.NoError(t, p.PublishSignal(context.Background(), TopicSignalsFlowToxicity, sig))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumerReplayPending(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewConsumer(db, GroupWriters, "trade_writer_1", 10, nil)

	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group:    GroupWriters,
		Consumer: "trade_writer_1",
		Streams:  []string{TopicTrades, "0"},
		Count:    10,
	}).SetVal([]redis.XStream{{
		Stream: TopicTrades,
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{"data": `{"trade_id":"X1"}`}},
			{ID: "1-1", Values: map[string]any{}}, // trimmed tombstone
		},
	}})
	mock.ExpectXAck(TopicTrades, GroupWriters, "1-0", "1-1").SetVal(2)
	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group:    GroupWriters,
		Consumer: "trade_writer_1",
		Streams:  []string{TopicTrades, "0"},
		Count:    10,
	}).SetVal([]redis.XStream{{Stream: TopicTrades}})

	var handled []Message
	err := c.replayPending(context.Background(), TopicTrades, func(_ context.Context, msgs []Message) error {
		handled = append(handled, msgs...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, handled, 1)
	assert.Equal(t, "1-0", handled[0].ID)
	assert.JSONEq(t, `{"trade_id":"X1"}`, string(handled[0].Data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchDoesNotAckOnHandlerError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewConsumer(db, GroupWriters, "trade_writer_1", 10, nil)

	streams := []redis.XStream{{
		Stream: TopicTrades,
		Messages: []redis.XMessage{
			{ID: "2-0", Values: map[string]any{"data": `{"trade_id":"X2"}`}},
		},
	}}

	// No XAck expectation: a failing handler must leave the batch pending.
	c.dispatch(context.Background(), TopicTrades, streams, func(context.Context, []Message) error {
		return errors.New("db down")
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchAcksTombstonesWithoutHandler(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewConsumer(db, GroupWriters, "trade_writer_1", 10, nil)

	streams := []redis.XStream{{
		Stream:   TopicTrades,
		Messages: []redis.XMessage{{ID: "3-0", Values: map[string]any{}}},
	}}
	mock.ExpectXAck(TopicTrades, GroupWriters, "3-0").SetVal(1)

	called := false
	c.dispatch(context.Background(), TopicTrades, streams, func(context.Context, []Message) error {
		called = true
		return nil
	})
	assert.False(t, called, "handler must not run for tombstone-only batches")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureGroupIgnoresBusyGroup(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewConsumer(db, GroupWriters, "w1", 10, nil)

	mock.ExpectXGroupCreateMkStream(TopicTrades, GroupWriters, "0").
		SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))

	require.NoError(t, c.ensureGroup(context.Background(), TopicTrades))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecent(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectXRevRangeN(TopicSignalsFlowToxicity, "+", "-", 50).SetVal([]redis.XMessage{
		{ID: "9-0", Values: map[string]any{"data": `{"signal_id":"s1"}`}},
		{ID: "8-0", Values: map[string]any{}},
	})

	msgs, err := Recent(context.Background(), db, TopicSignalsFlowToxicity, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "9-0", msgs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
