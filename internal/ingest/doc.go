// Package ingest maintains the authenticated exchange WebSocket
// connection. It tracks subscriptions across reconnects, detects
// sequence gaps, and fans each data message out to the message bus and
// the live orderbook state.
package ingest
