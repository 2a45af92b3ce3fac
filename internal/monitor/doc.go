// Package monitor watches the pipeline itself. The HealthMonitor
// probes Redis, the database, stream backlogs and disk on a fixed
// cadence, records results to the system_health table and the state
// cache, and raises alerts through the AlertDispatcher. The
// PriceSnapshotService persists periodic per-market price rows used to
// evaluate signal accuracy after the fact.
package monitor
