// Package session binds conversation identities to backend sessions.
//
// Invariants:
// - One conversation identity maps to at most one live handle.
// - Operations on one identity are serialized; different identities proceed in parallel.
// - Retired (tombstoned) identities are never resolved again.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Config{Backend: b})
//	h, _ := mgr.Resolve(ctx, "faq_agent", "u1", "")
//	_ = h.ConversationID
package session
