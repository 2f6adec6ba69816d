// Package storage provides the small local key-value persistence layer used by
// the feed daemon.
//
// Values are opaque bytes under string keys. Every driver implements Update
// as an atomic read-modify-write, which is what lets callers express their
// mutations as pure functions of the previous value.
//
// Drivers:
//   - "file":   one file per key under a directory (tmp + rename)
//   - "sqlite": a kv table in a SQLite database (modernc.org/sqlite)
//   - "badger": a Badger v4 database directory
//   - "memory": process-local map (tests, ephemeral runs)
package storage
