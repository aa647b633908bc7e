package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	executed := false
	result, err := cq.Enqueue(context.Background(), "lane-a", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "lane-a", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_EmptyLaneRejected(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	_, err := cq.Enqueue(context.Background(), "", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.Error(t, err)
}

func TestCommandQueue_SameLaneRunsInArrivalOrder(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap int32
	)

	release := make(chan struct{})
	firstStarted := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
			close(firstStarted)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		}, nil)
	}()
	<-firstStarted

	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
				if atomic.AddInt32(&running, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}()
		// Give each goroutine time to join the queue before the next.
		require.Eventually(t, func() bool { return cq.GetQueueSize("conv") == i }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestCommandQueue_DifferentLanesRunConcurrently(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	var current, peak int32
	var wg sync.WaitGroup
	for _, lane := range []string{"a", "b", "c"} {
		lane := lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestCommandQueue_CanceledWhileQueuedNeverRuns(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran int32
	done := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "conv", func(ctx context.Context) (interface{}, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return cq.GetQueueSize("conv") == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled enqueue did not return")
	}

	close(release)
	require.Eventually(t, func() bool { return cq.LaneCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCommandQueue_CancelPropagatesToRunningTask(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := cq.Enqueue(ctx, "conv", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandQueue_IdleLanesAreDropped(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	for _, lane := range []string{"a", "b"} {
		_, err := cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return cq.LaneCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, cq.GetStats())
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	_, err := cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The lane keeps working afterwards.
	v, err := cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_Events(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	var mu sync.Mutex
	var types []string
	for _, typ := range []string{"enqueued", "started", "completed"} {
		cq.On(typ, func(e Event) {
			mu.Lock()
			types = append(types, e.Type)
			mu.Unlock()
		})
	}

	_, err := cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"enqueued", "started", "completed"}, types)
	mu.Unlock()
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New("test")
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	warned := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait: func(wait time.Duration, pos int) {
				warned <- pos
			},
		})
	}()

	select {
	case pos := <-warned:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("expected wait warning")
	}
	close(release)
	<-done
}

func TestCommandQueue_CloseRejectsQueued(t *testing.T) {
	cq := New("test")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		}, nil)
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("conv") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-done, ErrQueueClosed)

	_, err := cq.Enqueue(context.Background(), "conv", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
	close(release)
}
