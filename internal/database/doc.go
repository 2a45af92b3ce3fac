// Package database builds the TimescaleDB connection pool shared by the
// writer, discovery, gapfill, and monitoring roles.
package database
