// Package queue provides the durable, priority-ordered action queue.
//
// Records persist compliance actions until a remote system confirms receipt
// (Remove) or the retry budget is spent (RemoveFailed).
//
// # Ordering
//
// List returns records ordered by:
//
//	priority DESC, created_at ASC, seq ASC
//
// seq is a per-queue logical clock resumed from the stored maximum on open,
// so equal-priority records are strict FIFO even inside one millisecond.
// Every backend sorts with the same comparator (lessRow) or the equivalent
// ORDER BY clause.
//
// # Backends
//
//   - SQLStore: SQLite (WAL, single writer, transactional read-modify-write)
//   - MemoryStore: mutex-guarded map, for tests and ephemeral runs
//   - RedisStore: one hash per queue, optimistic WATCH/MULTI transactions
//
// Payloads are wire.Action values; they are serialized only here, at the
// persistence boundary, by every backend including MemoryStore.
package queue
