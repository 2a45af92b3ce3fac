package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultReconcileInterval is how often the orderbook subscription set
// is reconciled against the desired set.
const DefaultReconcileInterval = 300 * time.Second

// Broadcast channels are subscribed once, unfiltered. Orderbook depth
// is per-market and managed dynamically.
var broadcastChannels = []string{"trade", "ticker_v2", "market_lifecycle_v2", "event_lifecycle"}

// Subscriber is the slice of the websocket manager the reconciler
// drives.
type Subscriber interface {
	Subscribe(channels []string, tickers []string) int64
	UpdateSubscription(sid int64, add, remove []string) error
}

// SubscriptionManager keeps the orderbook_delta subscription aligned
// with the markets worth watching at depth: open markets that traded in
// the last 24 hours or close within 48 hours.
type SubscriptionManager struct {
	ws       Subscriber
	db       *pgxpool.Pool
	interval time.Duration
	logger   *slog.Logger

	orderbookSID int64
	subscribed   map[string]struct{}
}

// NewSubscriptionManager creates a reconciler. interval <= 0 uses the
// default.
func NewSubscriptionManager(ws Subscriber, db *pgxpool.Pool, interval time.Duration, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &SubscriptionManager{
		ws:           ws,
		db:           db,
		interval:     interval,
		logger:       logger.With("component", "subscription_manager"),
		orderbookSID: -1,
		subscribed:   make(map[string]struct{}),
	}
}

// Initialize sets up the unfiltered broadcast subscriptions. Call once
// before Run.
func (sm *SubscriptionManager) Initialize() {
	for _, ch := range broadcastChannels {
		sm.ws.Subscribe([]string{ch}, nil)
	}
	sm.logger.Info("broadcast subscriptions initialized", "channels", len(broadcastChannels))
}

// Run reconciles immediately, then on every interval tick.
func (sm *SubscriptionManager) Run(ctx context.Context) error {
	sm.logger.Info("subscription manager started", "interval", sm.interval)

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		if err := sm.Reconcile(ctx); err != nil {
			sm.logger.Error("reconcile failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile diffs the live orderbook subscription set against the
// desired set and sends the add/remove updates.
func (sm *SubscriptionManager) Reconcile(ctx context.Context) error {
	desired, err := sm.desiredOrderbookTickers(ctx)
	if err != nil {
		return err
	}
	return sm.apply(desired)
}

// OnScan is the scanner callback: newly closed markets are dropped
// immediately rather than waiting for the next reconcile tick.
func (sm *SubscriptionManager) OnScan(ctx context.Context, res ScanResult) {
	if len(res.Closed) == 0 {
		return
	}
	var remove []string
	for _, t := range res.Closed {
		if _, ok := sm.subscribed[t]; ok {
			remove = append(remove, t)
		}
	}
	if len(remove) == 0 {
		return
	}
	if err := sm.ws.UpdateSubscription(sm.orderbookSID, nil, remove); err != nil {
		sm.logger.Warn("orderbook unsubscribe failed", "count", len(remove), "error", err)
		return
	}
	for _, t := range remove {
		delete(sm.subscribed, t)
	}
	sm.logger.Info("closed markets unsubscribed", "count", len(remove))
}

func (sm *SubscriptionManager) apply(desired []string) error {
	want := make(map[string]struct{}, len(desired))
	for _, t := range desired {
		want[t] = struct{}{}
	}

	add, remove := diffSets(want, sm.subscribed)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	if sm.orderbookSID < 0 {
		sm.orderbookSID = sm.ws.Subscribe([]string{"orderbook_delta"}, add)
		remove = nil
	} else {
		if err := sm.ws.UpdateSubscription(sm.orderbookSID, add, remove); err != nil {
			return fmt.Errorf("update orderbook subscription: %w", err)
		}
	}

	for _, t := range add {
		sm.subscribed[t] = struct{}{}
	}
	for _, t := range remove {
		delete(sm.subscribed, t)
	}

	sm.logger.Info("orderbook subscriptions reconciled",
		"added", len(add),
		"removed", len(remove),
		"total", len(sm.subscribed),
	)
	return nil
}

// diffSets returns the tickers to add (desired but not current) and to
// remove (current but no longer desired).
func diffSets(desired, current map[string]struct{}) (add, remove []string) {
	for t := range desired {
		if _, ok := current[t]; !ok {
			add = append(add, t)
		}
	}
	for t := range current {
		if _, ok := desired[t]; !ok {
			remove = append(remove, t)
		}
	}
	return add, remove
}

func (sm *SubscriptionManager) desiredOrderbookTickers(ctx context.Context) ([]string, error) {
	rows, err := sm.db.Query(ctx, `
		SELECT DISTINCT m.ticker
		FROM markets m
		WHERE m.status = 'open'
		  AND (
			EXISTS (
				SELECT 1 FROM trades t
				WHERE t.market_ticker = m.ticker
				  AND t.ts > NOW() - INTERVAL '24 hours'
			)
			OR (m.close_time IS NOT NULL AND m.close_time < NOW() + INTERVAL '48 hours')
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("desired orderbook tickers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
