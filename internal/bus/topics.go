// Package bus wraps Redis Streams as the pipeline's message bus:
// length-trimmed append-only topics with consumer-group delivery.
package bus

import "strings"

// Market-data and control topics.
const (
	TopicTrades             = "kalshi:trades"
	TopicTickerV2           = "kalshi:ticker_v2"
	TopicOrderbookDeltas    = "kalshi:orderbook:deltas"
	TopicOrderbookSnapshots = "kalshi:orderbook:snapshots"
	TopicLifecycle          = "kalshi:lifecycle"
	TopicEventLifecycle     = "kalshi:event_lifecycle"
	TopicSystem             = "kalshi:system"
)

// Signal topics. Every processor publishes to its own topic and to
// TopicSignalsAll, which feeds the aggregator.
const (
	TopicSignalsFlowToxicity = "kalshi:signals:flow_toxicity"
	TopicSignalsOIDivergence = "kalshi:signals:oi_divergence"
	TopicSignalsRegime       = "kalshi:signals:regime"
	TopicSignalsCrossMarket  = "kalshi:signals:cross_market"
	TopicSignalsLifecycle    = "kalshi:signals:lifecycle"
	TopicSignalsAll          = "kalshi:signals:all"
	TopicSignalsComposite    = "kalshi:signals:composite"
)

// Consumer group names.
const (
	GroupWriters    = "db_writers"
	GroupProcessors = "signal_processors"
	GroupAggregator = "aggregator"
)

const (
	marketDataMaxLen = 100_000
	signalMaxLen     = 10_000
)

// MaxLen returns the approximate trim length for a topic. Signal topics
// are kept shorter than raw market data.
func MaxLen(topic string) int64 {
	if strings.HasPrefix(topic, "kalshi:signals:") || topic == TopicSystem {
		return signalMaxLen
	}
	return marketDataMaxLen
}
