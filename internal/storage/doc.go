// Package storage persists the scheduler settings record and the dispatch log.
//
// Drivers:
//   - "file": settings snapshot (JSON, atomic rename) + dispatch log (JSON Lines)
//   - "sqlite": single SQLite database (modernc.org/sqlite, no cgo)
//   - "memory": process-lifetime only; used when storage is not configured and in tests
package storage
