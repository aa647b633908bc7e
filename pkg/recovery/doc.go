// Package recovery runs a turn and recovers from backend session loss.
//
// States: attempting → success, or attempting → session_lost → reissuing →
// retrying → success | failed. Only one reissue happens per turn; a retry that
// loses its session again fails with SessionRecoveryFailed.
package recovery
