// Package writer persists the pipeline's topics into TimescaleDB.
//
// One consumer per topic, all members of the db_writers group:
//
//   - trades           -> trades (idempotent on trade_id)
//   - ticker_v2        -> ticker_updates
//   - orderbook deltas -> orderbook_deltas
//   - orderbook snaps  -> orderbook_snapshots (plus a periodic derived
//     snapshot of every live book in the state store)
//   - lifecycle        -> lifecycle_events + markets.status (same tx)
//   - signals:all      -> signal_log
//   - signals:composite-> composite_log
//   - signals:regime   -> regime_log
//
// A batch that fails to flush after bounded retries is returned
// unacknowledged; the bus redelivers it, so every insert is written to
// tolerate duplicates.
package writer
