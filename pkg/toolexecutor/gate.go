package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/pkg/turn"
)

// DefaultGateTimeout bounds how long a tool call waits for its conversation's gate
const DefaultGateTimeout = 30 * time.Second

type gateSlot struct {
	ch   chan struct{}
	refs int
}

// Gate admits at most one holder per key. Waiters give up when their
// context ends or the timeout passes. Slots are refcounted so idle keys do
// not accumulate.
type Gate struct {
	mu      sync.Mutex
	slots   map[string]*gateSlot
	timeout time.Duration
}

// NewGate creates a gate. A non-positive timeout selects DefaultGateTimeout.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultGateTimeout
	}
	return &Gate{
		slots:   make(map[string]*gateSlot),
		timeout: timeout,
	}
}

// Timeout returns the default wait budget
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

func (g *Gate) ref(key string) *gateSlot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok {
		s = &gateSlot{ch: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *Gate) unref(key string, s *gateSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s.refs--
	if s.refs == 0 && g.slots[key] == s {
		delete(g.slots, key)
	}
}

// Acquire takes the gate for key. The returned release func is idempotent.
// A timeout yields an error matching turn.ErrToolCallTimeout; a done ctx
// yields ctx.Err().
func (g *Gate) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := g.ref(key)
	start := time.Now()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		observability.RecordGateWait(time.Since(start), true)
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				g.unref(key, s)
			})
		}, nil
	case <-ctx.Done():
		g.unref(key, s)
		return nil, ctx.Err()
	case <-timer.C:
		g.unref(key, s)
		observability.RecordGateWait(time.Since(start), false)
		return nil, turn.NewError(turn.KindToolCallTimeout, "toolexecutor.gate",
			fmt.Errorf("another tool call for %s is still in flight after %v", key, timeout)).
			WithConversation(key)
	}
}

// Busy reports whether key is currently held
func (g *Gate) Busy(key string) bool {
	g.mu.Lock()
	s, ok := g.slots[key]
	g.mu.Unlock()
	return ok && len(s.ch) > 0
}

// Size returns the number of keys with a holder or waiter
func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
