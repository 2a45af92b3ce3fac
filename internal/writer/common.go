package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/kalshi-alpha/internal/bus"
)

// Batch sizes per topic. Trades are config-driven; the rest match the
// volume each stream actually carries.
const (
	TickerBatchSize    = 100
	DeltaBatchSize     = 200
	SnapshotBatchSize  = 50
	LifecycleBatchSize = 50
	SignalBatchSize    = 50
)

const maxFlushAttempts = 3

// Metrics counts writer activity since start.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// decodeBatch parses each stream entry into T and drops entries that
// fail to parse or validate. Bad payloads are logged and skipped so one
// poison message cannot stall the whole topic.
func decodeBatch[T any](logger *slog.Logger, msgs []bus.Message, validate func(T) error) []T {
	out := make([]T, 0, len(msgs))
	for _, m := range msgs {
		var v T
		if err := json.Unmarshal(m.Data, &v); err != nil {
			logger.Warn("parse skip", "id", m.ID, "error", err)
			continue
		}
		if validate != nil {
			if err := validate(v); err != nil {
				logger.Warn("validate skip", "id", m.ID, "error", err)
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

// retryDelay is the sleep after the nth failed flush attempt: 2, 4, 8 s.
func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// flushWithRetry runs fn up to maxFlushAttempts times with exponential
// backoff. A permanent failure is returned to the consumer, which
// leaves the batch unacknowledged for redelivery.
func flushWithRetry(ctx context.Context, logger *slog.Logger, what string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxFlushAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		logger.Error("flush failed", "table", what, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt)):
		}
	}

	logger.Error("flush failed permanently", "table", what, "error", lastErr)
	return fmt.Errorf("flush %s: %w", what, lastErr)
}
