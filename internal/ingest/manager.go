package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/kalshi-alpha/internal/auth"
	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
	"github.com/rickgao/kalshi-alpha/internal/state"
)

const statsInterval = 60 * time.Second

// Publisher appends a JSON-encoded value to a bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// BookState is the slice of the state store the ingestion path writes
// to. ApplyDelta returns state.ErrNoSnapshot when the book has not been
// seeded yet.
type BookState interface {
	ApplySnapshot(ctx context.Context, snap model.OrderbookSnapshot) error
	ApplyDelta(ctx context.Context, d model.OrderbookDelta) error
	SetTickerState(ctx context.Context, t state.TickerState) error
}

// ManagerConfig configures the ingestion manager.
type ManagerConfig struct {
	WSURL             string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	ReconnectMaxDelay time.Duration
	BufferSize        int
}

// Manager owns one exchange WebSocket connection: it subscribes,
// reconnects with backoff, detects sequence gaps, and routes each data
// message to the bus and the state store.
type Manager struct {
	cfg    ManagerConfig
	signer *auth.Signer
	pub    Publisher
	books  BookState
	logger *slog.Logger

	newSocket func(SocketConfig, *slog.Logger) Socket

	mu      sync.Mutex
	sock    Socket
	nextSID int64
	subs    map[int64]*Subscription
	lastSeq map[int64]int64

	statsMu   sync.Mutex
	msgCounts map[string]int64
	connectAt time.Time
}

// NewManager creates an ingestion manager. Subscriptions may be added
// before Run; they are sent once the first connection is up.
func NewManager(cfg ManagerConfig, signer *auth.Signer, pub Publisher, books BookState, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 60 * time.Second
	}

	return &Manager{
		cfg:       cfg,
		signer:    signer,
		pub:       pub,
		books:     books,
		logger:    logger.With("component", "ws_ingest"),
		newSocket: NewSocket,
		nextSID:   1,
		subs:      make(map[int64]*Subscription),
		lastSeq:   make(map[int64]int64),
		msgCounts: make(map[string]int64),
	}
}

// Run connects and processes messages until ctx is cancelled. Every
// connection failure is retried with exponential backoff; the backoff
// resets after each successful connect.
func (m *Manager) Run(ctx context.Context) error {
	delay := time.Second

	for {
		sock := m.newSocket(SocketConfig{
			URL:          m.cfg.WSURL,
			Signer:       m.signer,
			PingInterval: m.cfg.PingInterval,
			PongTimeout:  m.cfg.PongTimeout,
			BufferSize:   m.cfg.BufferSize,
		}, m.logger)

		if err := sock.Connect(ctx); err != nil {
			m.logger.Error("websocket connect failed", "error", err, "retry_in", delay)
		} else {
			delay = time.Second

			m.setSocket(sock)
			m.statsMu.Lock()
			m.connectAt = time.Now()
			m.statsMu.Unlock()
			m.logger.Info("websocket connected", "url", m.cfg.WSURL)

			m.resubscribeAll()
			m.messageLoop(ctx, sock)
			m.setSocket(nil)
		}
		sock.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, m.cfg.ReconnectMaxDelay)
	}
}

func (m *Manager) setSocket(sock Socket) {
	m.mu.Lock()
	m.sock = sock
	m.mu.Unlock()
}

func (m *Manager) messageLoop(ctx context.Context, sock Socket) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sock.Errors():
			m.logger.Warn("websocket disconnected", "error", err)
			return
		case data := <-sock.Messages():
			m.handleMessage(ctx, data)
		case <-ticker.C:
			m.logStats()
		}
	}
}

// Subscribe records a subscription and, when connected, sends the
// subscribe command. The returned sid is local; it survives reconnects.
func (m *Manager) Subscribe(channels []string, tickers []string) int64 {
	m.mu.Lock()
	sid := m.nextSID
	m.nextSID++
	sub := &Subscription{SID: sid, Channels: channels, Tickers: tickers}
	m.subs[sid] = sub
	sock := m.sock
	m.mu.Unlock()

	if sock != nil && sock.IsConnected() {
		m.sendSubscribe(sock, sub)
	}

	m.logger.Info("subscription added",
		"sid", sid,
		"channels", channels,
		"tickers", len(tickers),
	)
	return sid
}

func (m *Manager) sendSubscribe(sock Socket, sub *Subscription) {
	cmd := Command{
		ID:  sub.SID,
		Cmd: "subscribe",
		Params: SubscribeParams{
			Channels:      sub.Channels,
			MarketTickers: sub.Tickers,
		},
	}
	if err := m.sendCommand(sock, cmd); err != nil {
		m.logger.Warn("subscribe send failed", "sid", sub.SID, "error", err)
	}
}

// UpdateSubscription adds and removes market tickers on an existing
// subscription. The local ticker set is updated even while
// disconnected, so the next resubscribe reflects the change.
func (m *Manager) UpdateSubscription(sid int64, add, remove []string) error {
	m.mu.Lock()
	sub, ok := m.subs[sid]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("update for unknown subscription", "sid", sid)
		return errors.New("unknown subscription")
	}

	if len(add) > 0 {
		sub.Tickers = append(sub.Tickers, add...)
	}
	if len(remove) > 0 {
		drop := make(map[string]struct{}, len(remove))
		for _, t := range remove {
			drop[t] = struct{}{}
		}
		kept := sub.Tickers[:0]
		for _, t := range sub.Tickers {
			if _, gone := drop[t]; !gone {
				kept = append(kept, t)
			}
		}
		sub.Tickers = kept
	}
	sock := m.sock
	m.mu.Unlock()

	if sock == nil || !sock.IsConnected() {
		return nil
	}

	if len(add) > 0 {
		cmd := Command{
			ID:  sid,
			Cmd: "update_subscription",
			Params: UpdateSubscriptionParams{
				SIDs:          []int64{sid},
				MarketTickers: add,
				Action:        "add_markets",
			},
		}
		if err := m.sendCommand(sock, cmd); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		cmd := Command{
			ID:  sid,
			Cmd: "update_subscription",
			Params: UpdateSubscriptionParams{
				SIDs:          []int64{sid},
				MarketTickers: remove,
				Action:        "remove_markets",
			},
		}
		if err := m.sendCommand(sock, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe drops subscriptions and their sequence state.
func (m *Manager) Unsubscribe(sids ...int64) {
	m.mu.Lock()
	sock := m.sock
	for _, sid := range sids {
		delete(m.subs, sid)
		delete(m.lastSeq, sid)
	}
	m.mu.Unlock()

	if sock != nil && sock.IsConnected() {
		cmd := Command{
			ID:     m.nextCommandID(),
			Cmd:    "unsubscribe",
			Params: UnsubscribeParams{SIDs: sids},
		}
		if err := m.sendCommand(sock, cmd); err != nil {
			m.logger.Warn("unsubscribe send failed", "error", err)
		}
	}
	m.logger.Info("unsubscribed", "sids", sids)
}

func (m *Manager) nextCommandID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSID
	m.nextSID++
	return id
}

func (m *Manager) sendCommand(sock Socket, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return sock.Send(data)
}

// resubscribeAll re-sends every recorded subscription after a
// reconnect. There is no resumption; orderbook recovery relies on the
// server sending a fresh snapshot per subscribed market.
func (m *Manager) resubscribeAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	sock := m.sock
	m.mu.Unlock()

	if len(subs) == 0 || sock == nil {
		return
	}

	m.logger.Info("resubscribing", "count", len(subs))
	for _, sub := range subs {
		m.sendSubscribe(sock, sub)
	}
}

// trackSequence logs a gap when seq skips ahead of the last seen value
// and always records the newest seq for the sid.
func (m *Manager) trackSequence(sid, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, seen := m.lastSeq[sid]
	if seen && seq > last+1 {
		m.logger.Warn("sequence gap detected",
			"sid", sid,
			"expected", last+1,
			"received", seq,
		)
	}
	m.lastSeq[sid] = seq
	if sub, ok := m.subs[sid]; ok {
		sub.LastSeq = seq
	}
}

// handleMessage parses one inbound frame and routes it. Malformed
// frames are logged and dropped without interrupting the loop.
func (m *Manager) handleMessage(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Error("invalid frame", "error", err, "raw", truncate(data, 200))
		return
	}

	if env.Type == "" {
		if env.ID != 0 {
			m.logger.Debug("command response", "id", env.ID, "raw", truncate(data, 200))
		}
		return
	}

	if env.SID != 0 && env.Seq != 0 {
		m.trackSequence(env.SID, env.Seq)
	}
	m.countMessage(env.Type)

	switch env.Type {
	case "trade":
		m.handleTrade(ctx, env.Msg)
	case "ticker", "ticker_v2":
		m.handleTicker(ctx, env.Msg)
	case "orderbook_snapshot":
		m.handleOrderbookSnapshot(ctx, env.Msg)
	case "orderbook_delta":
		m.handleOrderbookDelta(ctx, env.Msg)
	case "market_lifecycle_v2":
		m.handleLifecycle(ctx, env.Msg)
	case "event_lifecycle":
		m.handleEventLifecycle(ctx, env.Msg)
	case "subscribed":
		m.logger.Info("subscription confirmed", "id", env.ID, "msg", string(env.Msg))
	case "unsubscribed":
		m.logger.Info("unsubscription confirmed", "id", env.ID)
	case "error":
		m.logger.Error("server error", "msg", string(env.Msg))
	case "ok":
		m.logger.Debug("server ok", "id", env.ID)
	default:
		m.logger.Debug("unknown message type", "type", env.Type)
	}
}

func (m *Manager) handleTrade(ctx context.Context, msg json.RawMessage) {
	var trade model.Trade
	if err := json.Unmarshal(msg, &trade); err != nil {
		m.logger.Error("trade parse error", "error", err, "raw", truncate(msg, 200))
		return
	}
	if err := trade.Validate(); err != nil {
		m.logger.Error("trade rejected", "error", err, "trade_id", trade.TradeID)
		return
	}
	if err := m.pub.Publish(ctx, bus.TopicTrades, trade); err != nil {
		m.logger.Error("trade publish failed", "error", err)
	}
}

func (m *Manager) handleTicker(ctx context.Context, msg json.RawMessage) {
	var tick model.TickerUpdate
	if err := json.Unmarshal(msg, &tick); err != nil {
		m.logger.Error("ticker parse error", "error", err, "raw", truncate(msg, 200))
		return
	}
	if err := tick.Validate(); err != nil {
		m.logger.Error("ticker rejected", "error", err, "ticker", tick.MarketTicker)
		return
	}
	if err := m.pub.Publish(ctx, bus.TopicTickerV2, tick); err != nil {
		m.logger.Error("ticker publish failed", "error", err)
		return
	}
	if tick.Price != nil {
		ts := state.TickerState{
			MarketTicker: tick.MarketTicker,
			Price:        tick.Price,
			TS:           tick.TS,
		}
		if err := m.books.SetTickerState(ctx, ts); err != nil {
			m.logger.Warn("ticker state write failed", "error", err, "ticker", tick.MarketTicker)
		}
	}
}

func (m *Manager) handleOrderbookSnapshot(ctx context.Context, msg json.RawMessage) {
	var snap model.OrderbookSnapshot
	if err := json.Unmarshal(msg, &snap); err != nil {
		m.logger.Error("orderbook snapshot parse error", "error", err, "raw", truncate(msg, 200))
		return
	}
	if err := m.books.ApplySnapshot(ctx, snap); err != nil {
		m.logger.Error("orderbook snapshot apply failed", "error", err, "ticker", snap.MarketTicker)
		return
	}
	if err := m.pub.Publish(ctx, bus.TopicOrderbookSnapshots, snap); err != nil {
		m.logger.Error("orderbook snapshot publish failed", "error", err)
	}
}

func (m *Manager) handleOrderbookDelta(ctx context.Context, msg json.RawMessage) {
	var delta model.OrderbookDelta
	if err := json.Unmarshal(msg, &delta); err != nil {
		m.logger.Error("orderbook delta parse error", "error", err, "raw", truncate(msg, 200))
		return
	}
	if err := delta.Validate(); err != nil {
		m.logger.Error("orderbook delta rejected", "error", err, "ticker", delta.MarketTicker)
		return
	}

	// A delta ahead of its snapshot cannot be applied, but it is still
	// persisted; the book heals on the next snapshot.
	if err := m.books.ApplyDelta(ctx, delta); err != nil {
		if errors.Is(err, state.ErrNoSnapshot) {
			m.logger.Warn("delta before snapshot", "ticker", delta.MarketTicker)
		} else {
			m.logger.Error("orderbook delta apply failed", "error", err, "ticker", delta.MarketTicker)
			return
		}
	}
	if err := m.pub.Publish(ctx, bus.TopicOrderbookDeltas, delta); err != nil {
		m.logger.Error("orderbook delta publish failed", "error", err)
	}
}

func (m *Manager) handleLifecycle(ctx context.Context, msg json.RawMessage) {
	var event model.MarketLifecycleEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		m.logger.Error("lifecycle parse error", "error", err, "raw", truncate(msg, 200))
		return
	}
	if err := m.pub.Publish(ctx, bus.TopicLifecycle, event); err != nil {
		m.logger.Error("lifecycle publish failed", "error", err)
	}
}

func (m *Manager) handleEventLifecycle(ctx context.Context, msg json.RawMessage) {
	var event model.EventLifecycleEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		m.logger.Error("event lifecycle parse error", "error", err, "raw", truncate(msg, 200))
		return
	}
	if err := m.pub.Publish(ctx, bus.TopicEventLifecycle, event); err != nil {
		m.logger.Error("event lifecycle publish failed", "error", err)
	}
}

func (m *Manager) countMessage(msgType string) {
	m.statsMu.Lock()
	m.msgCounts[msgType]++
	m.statsMu.Unlock()
}

// Stats returns a snapshot of the manager for the health monitor.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sock := m.sock
	subs := len(m.subs)
	m.mu.Unlock()

	m.statsMu.Lock()
	byType := make(map[string]int64, len(m.msgCounts))
	for k, v := range m.msgCounts {
		byType[k] = v
	}
	connectAt := m.connectAt
	m.statsMu.Unlock()

	var uptime time.Duration
	if !connectAt.IsZero() {
		uptime = time.Since(connectAt)
	}

	return Stats{
		Connected:     sock != nil && sock.IsConnected(),
		Uptime:        uptime,
		Subscriptions: subs,
		ByType:        byType,
	}
}

func (m *Manager) logStats() {
	stats := m.Stats()

	var total int64
	for _, v := range stats.ByType {
		total += v
	}

	m.logger.Info("ingest stats",
		"uptime_seconds", int(stats.Uptime.Seconds()),
		"total_messages", total,
		"by_type", stats.ByType,
		"subscriptions", stats.Subscriptions,
	)

	m.statsMu.Lock()
	m.msgCounts = make(map[string]int64)
	m.statsMu.Unlock()
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}
	return string(data)
}
