// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// The gateway uses one lane per conversation so that a second turn for the
// same conversation never starts before the first (including any recovery)
// has finished.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time.
// - Tasks in different lanes may execute concurrently.
// - A task abandoned by its caller while still queued never runs.
// - Lanes are created on first use and removed once empty and idle.
//
// Usage:
//
//	queue := commandqueue.New("turns")
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "faq_agent-u1-abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
