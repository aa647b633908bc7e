// Package turn defines the canonical turn result, the typed error taxonomy
// and the normalizer that turns backend event payloads into result fragments.
//
// Invariants:
// - Normalize never panics; malformed payloads yield an empty fragment with diagnostics.
// - Tool failures are values (Outcome == OutcomeErr), never returned errors.
// - Every *Error matches the sentinel of its Kind with errors.Is.
//
// Usage:
//
//	frag := turn.Normalize(payload)
//	result := turn.NewResult(conversationID)
//	result.Absorb("answer", frag)
package turn
