// Package store provides SQLite-backed durable storage for recorded
// sessions.
//
// A session is one recorded kernel run: the image hash it ran against, the
// console output it produced, its first fault and the full trace (events and
// snapshots). Sessions are written once, inside a single transaction, and
// never updated.
//
// # Ordering
//
// Every listing orders by logical position, never by timestamps:
//   - sessions: ORDER BY seq ASC, id COLLATE BINARY ASC
//   - events and snapshots: ORDER BY idx ASC
//
// Loading a stored trace therefore yields the same bytes on every read.
//
// # Encoding
//
// Event detail is stored as canonical CBOR (RFC 8949 core deterministic
// encoding), so equal details always produce equal blobs. Snapshot data is
// kept as the canonical JSON the kernel hashed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - foreign_keys=ON: Events and snapshots cascade with their session
package store
