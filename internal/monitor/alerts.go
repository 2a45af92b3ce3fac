package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/kalshi-alpha/internal/bus"
)

// DefaultAlertCooldown limits how often one component can alert.
const DefaultAlertCooldown = 300 * time.Second

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is one published alert record.
type Alert struct {
	Severity  string `json:"severity"`
	Component string `json:"component"`
	Message   string `json:"message"`
	TS        int64  `json:"ts"`
}

// SystemPublisher delivers alerts to the system topic.
type SystemPublisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

// AlertDispatcher publishes alerts with a per-component cooldown so a
// flapping check cannot storm the system topic.
type AlertDispatcher struct {
	pub      SystemPublisher
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewAlertDispatcher creates a dispatcher. cooldown <= 0 uses the
// default.
func NewAlertDispatcher(pub SystemPublisher, cooldown time.Duration, logger *slog.Logger) *AlertDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &AlertDispatcher{
		pub:      pub,
		cooldown: cooldown,
		logger:   logger.With("component", "alerts"),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Send publishes an alert unless the component alerted within the
// cooldown window. Returns whether the alert went out.
func (d *AlertDispatcher) Send(ctx context.Context, severity, component, message string) bool {
	now := d.now()

	d.mu.Lock()
	if last, ok := d.last[component]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		d.logger.Debug("alert suppressed by cooldown",
			"alert_component", component,
			"remaining", d.cooldown-now.Sub(last),
		)
		return false
	}
	d.last[component] = now
	d.mu.Unlock()

	alert := Alert{
		Severity:  severity,
		Component: component,
		Message:   message,
		TS:        now.Unix(),
	}
	if err := d.pub.Publish(ctx, bus.TopicSystem, alert); err != nil {
		d.logger.Error("alert publish failed", "alert_component", component, "error", err)
		return false
	}

	d.logger.Info("alert sent",
		"severity", severity,
		"alert_component", component,
		"message", message,
	)
	return true
}
