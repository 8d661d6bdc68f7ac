// Package storage is the record store adapter: typed access to the durable
// store holding conversations and their message logs.
//
// Drivers:
//   - memory:   process-local maps (tests, demos)
//   - file:     JSON Lines journal + periodic snapshot
//   - sqlite:   single-file database (modernc.org/sqlite, no cgo)
//   - postgres: pgx connection pool
//   - redis:    go-redis client
//
// Every driver implements the same compare-and-create on the canonical
// participant pair, and applies a message append together with its
// denormalized conversation updates as one unit.
package storage
