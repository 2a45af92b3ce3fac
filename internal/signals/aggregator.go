package signals

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/model"
)

// AggregatorConfig tunes composite scoring and publication.
type AggregatorConfig struct {
	MinCompositeScore  float64
	CleanupInterval    time.Duration
	MaxActivePerMarket int
	PublishCooldown    time.Duration
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MinCompositeScore:  0.4,
		CleanupInterval:    60 * time.Second,
		MaxActivePerMarket: 20,
		PublishCooldown:    10 * time.Second,
	}
}

// RegimeSource reads the cached per-market regime.
type RegimeSource interface {
	Regime(ctx context.Context, ticker string) (model.Regime, error)
}

// CompositePublisher is the slice of the bus publisher the aggregator
// emits through.
type CompositePublisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// Aggregator fuses every live signal per market into one
// regime-weighted composite score and publishes it when actionable.
type Aggregator struct {
	cfg     AggregatorConfig
	rdb     redis.Cmdable
	pub     CompositePublisher
	regimes RegimeSource
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	active      map[string][]model.Signal
	lastPublish map[string]time.Time
}

func NewAggregator(cfg AggregatorConfig, rdb redis.Cmdable, pub CompositePublisher, regimes RegimeSource, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	return &Aggregator{
		cfg:         cfg,
		rdb:         rdb,
		pub:         pub,
		regimes:     regimes,
		logger:      logger.With("component", "aggregator"),
		now:         time.Now,
		active:      make(map[string][]model.Signal),
		lastPublish: make(map[string]time.Time),
	}
}

// Run consumes signals:all and runs the cleanup loop until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator started")

	consumer := bus.NewConsumer(a.rdb, bus.GroupAggregator, "aggregator_1",
		processorBatchSize, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Consume(ctx, bus.TopicSignalsAll, a.handleBatch)
	})
	g.Go(func() error {
		return a.cleanupLoop(ctx)
	})
	return g.Wait()
}

// handleBatch folds each signal into the market's active set and
// publishes a fresh composite when warranted. Bad payloads are skipped;
// the batch is always acknowledged.
func (a *Aggregator) handleBatch(ctx context.Context, msgs []bus.Message) error {
	for _, m := range msgs {
		var sig model.Signal
		if err := json.Unmarshal(m.Data, &sig); err != nil {
			a.logger.Warn("signal parse skip", "id", m.ID, "error", err)
			continue
		}
		if sig.MarketTicker == "" {
			continue
		}
		a.observe(ctx, sig)
	}
	return nil
}

func (a *Aggregator) observe(ctx context.Context, sig model.Signal) {
	now := a.now()
	ticker := sig.MarketTicker

	a.mu.Lock()
	active := append(a.active[ticker], sig)
	if len(active) > a.cfg.MaxActivePerMarket {
		active = active[len(active)-a.cfg.MaxActivePerMarket:]
	}
	active = pruneExpired(active, now)
	a.active[ticker] = active
	snapshot := slices.Clone(active)

	onCooldown := now.Sub(a.lastPublish[ticker]) < a.cfg.PublishCooldown
	a.mu.Unlock()

	if onCooldown {
		return
	}

	regime, err := a.regimes.Regime(ctx, ticker)
	if err != nil {
		a.logger.Warn("regime read failed", "ticker", ticker, "error", err)
		regime = model.RegimeUnknown
	}

	composite := a.composite(ticker, snapshot, regime, now)
	if composite == nil {
		return
	}
	if composite.CompositeScore < a.cfg.MinCompositeScore &&
		-composite.CompositeScore < a.cfg.MinCompositeScore {
		return
	}

	if err := a.pub.Publish(ctx, bus.TopicSignalsComposite, composite); err != nil {
		a.logger.Error("composite publish failed", "ticker", ticker, "error", err)
		return
	}

	a.mu.Lock()
	a.lastPublish[ticker] = now
	a.mu.Unlock()

	a.logger.Info("composite published",
		"market", composite.MarketTicker,
		"direction", composite.Direction,
		"score", composite.CompositeScore,
		"signal_count", len(composite.ActiveSignals),
		"regime", composite.Regime)
}

// composite computes the regime-weighted score over the market's active
// signals. Nil when there is nothing to weigh.
func (a *Aggregator) composite(ticker string, active []model.Signal, regime model.Regime, now time.Time) *model.CompositeSignal {
	if len(active) == 0 {
		return nil
	}

	weightedSum := 0.0
	totalWeight := 0.0
	for _, s := range active {
		weight := baseWeight(s.SignalType) * regimeModifier(regime, s.SignalType) * s.Confidence
		weightedSum += s.Strength * s.Direction.Mult() * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return nil
	}

	score := weightedSum / totalWeight
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	score = round4(score)

	direction := model.DirectionNeutral
	if score > 0.1 {
		direction = model.DirectionBuyYes
	} else if score < -0.1 {
		direction = model.DirectionBuyNo
	}

	comp := &model.CompositeSignal{
		MarketTicker:   ticker,
		Direction:      direction,
		CompositeScore: score,
		ActiveSignals:  active,
		Regime:         regime,
		TS:             now,
	}
	for _, s := range active {
		if comp.EventTicker == "" && s.EventTicker != "" {
			comp.EventTicker = s.EventTicker
		}
		if comp.SeriesTicker == "" && s.SeriesTicker != "" {
			comp.SeriesTicker = s.SeriesTicker
		}
	}
	return comp
}

// cleanupLoop drops markets whose signals have all expired.
func (a *Aggregator) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := a.now()
		cleaned := 0
		a.mu.Lock()
		for t, sigs := range a.active {
			live := pruneExpired(sigs, now)
			if len(live) == 0 {
				delete(a.active, t)
				cleaned++
				continue
			}
			a.active[t] = live
		}
		a.mu.Unlock()

		if cleaned > 0 {
			a.logger.Debug("cleanup done", "markets_cleaned", cleaned)
		}
	}
}

func pruneExpired(sigs []model.Signal, now time.Time) []model.Signal {
	live := sigs[:0]
	for _, s := range sigs {
		if !s.Expired(now) {
			live = append(live, s)
		}
	}
	return live
}
