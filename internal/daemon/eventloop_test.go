package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEventLoop(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(t))
	defer d.release()

	loop := NewEventLoop(d)
	assert.Same(t, d, loop.daemon)
	assert.Equal(t, maintenanceInterval, loop.interval)
}

func TestEventLoopRun(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(t))
	defer d.release()

	loop := NewEventLoop(d)
	loop.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestEventLoopHandleShutdown(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(t))
	defer d.release()

	assert.NotPanics(t, NewEventLoop(d).HandleShutdown)
}
