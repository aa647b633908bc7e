// Package transcript persists conversation history as one JSONL file per
// conversation identity and prunes it on a schedule.
//
// Invariants:
// - Writes to one conversation are serialized; each Append is a single write.
// - Corrupt lines are skipped on load, never fatal.
package transcript
