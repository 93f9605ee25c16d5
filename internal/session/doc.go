// Package session provides durable, owner-scoped conversation persistence
// backed by PostgreSQL.
//
// A session is a titled container of ordered messages belonging to exactly
// one owner. The [Store] is the sole mutator of session and message state:
// every multi-row change (message insert + cached counter + timestamps,
// quota check + archive + create) runs inside one transaction and either
// commits fully or leaves nothing behind.
//
// Key operations:
//
//   - Session lifecycle: [Store.CreateSession], [Store.Session], [Store.Sessions],
//     [Store.UpdateSession], [Store.ArchiveSession]
//   - Message ledger: [Store.AppendMessage], [Store.Messages]
//   - External sync: [Store.SetExternalRef] (bridge side-channel, idempotent)
//
// # Ownership
//
// Every operation that takes a session id verifies, inside the same
// transaction as any mutation, that the session belongs to the calling
// owner. A missing session yields [ErrNotFound]; a session owned by someone
// else yields [ErrAccessDenied]. The two stay distinguishable so the
// boundary layer can audit denials without leaking existence to callers.
//
// # Quota
//
// Each owner holds at most a configurable number of active sessions
// (default 50). Creating a session at the cap archives the owner's
// least-recently-updated active session in the same transaction, so the cap
// holds as an invariant even under concurrent creates. A per-owner advisory
// lock (pg_advisory_xact_lock) serializes the check-then-archive-then-insert
// sequence.
//
// # Concurrency
//
// Store is safe for concurrent use. All state lives in PostgreSQL; the
// cached message_count is incremented server-side (message_count =
// message_count + 1) so concurrent appenders cannot lose updates. Transient
// storage failures (serialization, deadlock, lock timeout) are retried a
// bounded number of times with exponential backoff.
package session
