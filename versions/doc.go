// Package versions keeps a full history of state snapshots per entity
// together with a way to read the latest snapshot.
//
// Four strategies are available, all implementing Strategy:
//
//   - Counter: a pointer record ("v0") with an atomically incremented
//     counter, followed by a separate write of the history record "v<N>".
//   - Replicated: the pointer update of Counter, with history records
//     materialised from the change feed by a StreamProcessor.
//   - Transactional: the pointer update and the history record are written
//     in a single conditional transaction.
//   - Time-ordered: no pointer, history records are keyed by time and the
//     latest version is found with a descending query.
//
// The strategies hold no in-process state. Concurrent writers are ordered by
// the atomic primitives of the underlying kv.Store.
package versions
