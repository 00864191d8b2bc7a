// Package session is the durable system of record for conversations.
//
// Transcripts are append-only JSONL files, one per session key. Per-session
// metadata (state map, compaction marker, summary turn) lives in a SQLite
// database next to them, and compacted prefixes are moved to zstd-compressed
// cold storage.
//
// Invariants:
//   - Writes for the same session are serialized; different keys proceed in parallel.
//   - Turn sequence numbers are strictly increasing per session.
//   - The compaction marker only moves forward, and only after a memory-flush
//     turn recorded since the previous compaction.
//   - Turns before the marker never appear in a loaded Session.
//   - Sessions are removed only by an explicit Delete.
//
// Usage:
//
//	store, _ := session.New("/var/lib/vigil/sessions")
//	turn, _ := store.Append(ctx, "main", session.Turn{Role: session.RoleUser, Content: "hello"})
//	sess, _ := store.LoadOrCreate(ctx, "main")
package session
