package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/kalshi-alpha/internal/bus"
)

// DefaultHealthInterval is the probe cadence.
const DefaultHealthInterval = 30 * time.Second

// Stream backlog thresholds. A healthy writer keeps streams near their
// trim length minus the consumed head; sustained growth past these
// marks means persistence is falling behind.
const (
	backlogWarning  = 10_000
	backlogCritical = 50_000
)

// Disk usage thresholds in percent.
const (
	diskWarning  = 80.0
	diskCritical = 90.0
)

// Check statuses.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CheckResult is one component probe outcome.
type CheckResult struct {
	Component   string         `json:"component"`
	Status      string         `json:"status"`
	Details     map[string]any `json:"details,omitempty"`
	MessageRate *float64       `json:"message_rate,omitempty"`
	LatencyMS   *float64       `json:"latency_ms,omitempty"`
}

// HealthCache receives per-component snapshots for external probes.
type HealthCache interface {
	SetHealth(ctx context.Context, component string, v any) error
}

// monitoredStreams maps bus topics to their check component names.
var monitoredStreams = []struct {
	topic     string
	component string
}{
	{bus.TopicTrades, "trade_stream_backlog"},
	{bus.TopicTickerV2, "ticker_stream_backlog"},
	{bus.TopicOrderbookDeltas, "orderbook_stream_backlog"},
	{bus.TopicLifecycle, "lifecycle_stream_backlog"},
}

// HealthMonitor probes every shared resource on a fixed cadence and
// records the results to the system_health table, the state cache, and
// the alert dispatcher.
type HealthMonitor struct {
	rdb      redis.Cmdable
	db       *pgxpool.Pool
	cache    HealthCache
	alerts   *AlertDispatcher
	interval time.Duration
	logger   *slog.Logger

	diskPath    string
	lastLengths map[string]int64
}

// NewHealthMonitor creates a monitor. interval <= 0 uses the default.
func NewHealthMonitor(rdb redis.Cmdable, db *pgxpool.Pool, cache HealthCache, alerts *AlertDispatcher, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthMonitor{
		rdb:         rdb,
		db:          db,
		cache:       cache,
		alerts:      alerts,
		interval:    interval,
		logger:      logger.With("component", "health_monitor"),
		diskPath:    "/",
		lastLengths: make(map[string]int64),
	}
}

// Run probes until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	h.logger.Info("health monitor started", "interval", h.interval)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.cycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *HealthMonitor) cycle(ctx context.Context) {
	results := h.runChecks(ctx)

	if err := h.writeResults(ctx, results); err != nil {
		h.logger.Error("health write failed", "error", err)
	}
	h.updateCache(ctx, results)
	h.dispatchAlerts(ctx, results)
}

func (h *HealthMonitor) runChecks(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(monitoredStreams)+3)
	results = append(results, h.checkRedis(ctx), h.checkPostgres(ctx))
	for _, s := range monitoredStreams {
		results = append(results, h.checkStreamBacklog(ctx, s.topic, s.component))
	}
	results = append(results, h.checkDisk())
	return results
}

func (h *HealthMonitor) checkRedis(ctx context.Context) CheckResult {
	start := time.Now()
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Component: "redis",
			Status:    StatusCritical,
			Details:   map[string]any{"error": err.Error()},
		}
	}
	latency := float64(time.Since(start).Microseconds()) / 1000
	return CheckResult{
		Component: "redis",
		Status:    StatusOK,
		Details:   map[string]any{"latency_ms": latency},
		LatencyMS: &latency,
	}
}

func (h *HealthMonitor) checkPostgres(ctx context.Context) CheckResult {
	start := time.Now()
	var one int
	if err := h.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return CheckResult{
			Component: "postgres",
			Status:    StatusCritical,
			Details:   map[string]any{"error": err.Error()},
		}
	}
	latency := float64(time.Since(start).Microseconds()) / 1000
	return CheckResult{
		Component: "postgres",
		Status:    StatusOK,
		Details:   map[string]any{"latency_ms": latency},
		LatencyMS: &latency,
	}
}

func (h *HealthMonitor) checkStreamBacklog(ctx context.Context, topic, component string) CheckResult {
	length, err := h.rdb.XLen(ctx, topic).Result()
	if err != nil {
		return CheckResult{
			Component: component,
			Status:    StatusWarning,
			Details:   map[string]any{"error": err.Error()},
		}
	}

	rate := streamRate(h.lastLengths[topic], length, h.interval)
	h.lastLengths[topic] = length

	absRate := rate
	if absRate < 0 {
		absRate = -absRate
	}
	return CheckResult{
		Component:   component,
		Status:      backlogStatus(length),
		Details:     map[string]any{"length": length, "rate_per_sec": rate},
		MessageRate: &absRate,
	}
}

// streamRate is the net entries-per-second change since the previous
// probe.
func streamRate(prev, cur int64, interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(cur-prev) / interval.Seconds()
}

func backlogStatus(length int64) string {
	switch {
	case length > backlogCritical:
		return StatusCritical
	case length > backlogWarning:
		return StatusWarning
	default:
		return StatusOK
	}
}

func (h *HealthMonitor) checkDisk() CheckResult {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(h.diskPath, &fs); err != nil {
		return CheckResult{
			Component: "disk",
			Status:    StatusWarning,
			Details:   map[string]any{"error": err.Error()},
		}
	}

	total := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bavail * uint64(fs.Bsize)
	usedPct := 0.0
	if total > 0 {
		usedPct = float64(total-free) / float64(total) * 100
	}

	return CheckResult{
		Component: "disk",
		Status:    diskStatus(usedPct),
		Details: map[string]any{
			"used_pct": usedPct,
			"free_gb":  float64(free) / (1 << 30),
		},
	}
}

func diskStatus(usedPct float64) string {
	switch {
	case usedPct > diskCritical:
		return StatusCritical
	case usedPct > diskWarning:
		return StatusWarning
	default:
		return StatusOK
	}
}

func (h *HealthMonitor) writeResults(ctx context.Context, results []CheckResult) error {
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			INSERT INTO system_health (ts, component, status, details, message_rate, lag_ms)
			VALUES (NOW(), $1, $2, $3, $4, $5)
		`, r.Component, r.Status, r.Details, r.MessageRate, r.LatencyMS)
	}

	br := h.db.SendBatch(ctx, batch)
	defer br.Close()

	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert system_health: %w", err)
		}
	}
	return nil
}

func (h *HealthMonitor) updateCache(ctx context.Context, results []CheckResult) {
	if h.cache == nil {
		return
	}
	for _, r := range results {
		if err := h.cache.SetHealth(ctx, r.Component, r); err != nil {
			h.logger.Warn("health cache update failed", "check", r.Component, "error", err)
		}
	}
}

func (h *HealthMonitor) dispatchAlerts(ctx context.Context, results []CheckResult) {
	if h.alerts == nil {
		return
	}
	for _, r := range results {
		switch r.Status {
		case StatusCritical, StatusWarning:
			msg := fmt.Sprintf("%s: %v", r.Component, r.Details)
			h.alerts.Send(ctx, r.Status, r.Component, msg)
		}
	}
}
