// Package discovery keeps the market universe current. The Scanner
// polls the REST API for open markets and maintains the markets, events
// and series metadata tables plus the Redis market cache. The
// SeriesMapper answers relationship queries (same-event markets, titles)
// for the signal processors. The SubscriptionManager reconciles the
// shared orderbook_delta subscription against the set of markets worth
// watching at depth.
package discovery
