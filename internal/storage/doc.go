// Package storage is the durable store behind the ingestion buffer, the
// delivery queue, the per-day delivery state and the opportunity records.
//
// It is SQLite-backed (modernc.org/sqlite, no cgo). The queue lock lease is
// implemented as an atomic conditional UPDATE, which is the only mutual
// exclusion the delivery worker relies on; process restarts and concurrent
// worker instances are safe against double-sends because of it.
package storage
