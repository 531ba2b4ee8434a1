// Package store provides the persistent, partitioned response store used by
// the offline request cache.
//
// A Store holds named partitions. Each partition maps a request Key (method
// plus normalized URL) to an immutable Entry (status, headers, body). Three
// logical partitions exist per build generation:
//
//   - static  - stylesheets, scripts, fonts, icons, images, known HTML shells
//   - dynamic - everything else fetched network-first
//   - api     - API responses served stale-while-revalidate
//
// Partition names are version qualified ("static-v1") so that activation can
// tell current generations from stale ones by exact string match:
//
//	tag := store.VersionTag("1")
//	part, err := s.Open(ctx, tag.Name(store.KindStatic)) // "static-v1"
//
// # Backends
//
//   - MemoryStore - process local, used by tests and ephemeral hosts
//   - RedisStore  - one Redis hash per partition plus a partition index set
//   - SQLiteStore - single file database (WAL) for hosts without Redis
//
// All backends store a copy of the entry on Put and return a copy on Get, so
// entries are never mutated in place; a newer Put for the same key overwrites.
//
// # Errors
//
// Get returns ErrNotFound on a miss. Backend failures are wrapped in
// *StoreError. Callers in the request path treat a StoreError on read as a
// miss and log-and-swallow it on write.
//
// # Metrics
//
//   - offline_store_hits_total{partition}
//   - offline_store_misses_total{partition}
//   - offline_store_errors_total{operation}
//   - offline_store_writes_total{partition}
package store
