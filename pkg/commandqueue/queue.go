package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrQueueClosed is returned for tasks submitted to or pending in a closed queue
	ErrQueueClosed = errors.New("command queue closed")

	// ErrLaneCleared is returned to tasks dropped by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an operation executed inside a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds the FIFO for one key. Lanes are created on demand and
// dropped once they are empty and idle.
type laneState struct {
	name        string
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string // "enqueued", "started" or "completed"
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// CommandQueue runs tasks in per-key lanes. Tasks sharing a lane run one
// at a time in arrival order; different lanes run concurrently.
type CommandQueue struct {
	name      string
	lanes     map[string]*laneState
	taskIDSeq uint64
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a queue. name labels the queue in logs and metrics.
func New(name string) *CommandQueue {
	observability.EnsureRegistered()

	if name == "" {
		name = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		name:          name,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Enqueue adds a task to a lane and blocks until it has run. If ctx is done
// while the task is still queued, the task is removed and ctx.Err() returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if lane == "" {
		return nil, fmt.Errorf("lane is required")
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"agentgate.commandqueue",
		"commandqueue.enqueue",
		attribute.String("queue", cq.name),
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", cq.name, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls := cq.laneLocked(lane)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(cq.name, cq.totalQueued())

	cq.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queue_size": queueSize,
		},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, ls)
	}

	cq.processLane(ls)

	select {
	case res := <-record.result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.value, res.err
	case <-ctx.Done():
		if cq.removeQueued(ls, record) {
			err := ctx.Err()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Debug().Str("task_id", record.id).Err(err).Msg("Queued task abandoned")
			return nil, err
		}
		// Already running: the task observes ctx itself.
		res := <-record.result
		return res.value, res.err
	}
}

// laneLocked returns the lane for key, creating it. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{
			name:        lane,
			concurrency: 1,
			activeIDs:   make(map[string]bool),
		}
		cq.lanes[lane] = ls
	}
	return ls
}

func (cq *CommandQueue) removeQueued(ls *laneState, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			cq.dropIfIdleLocked(ls)
			return true
		}
	}
	return false
}

// dropIfIdleLocked deletes an empty idle lane. cq.mu and ls.mu must be held.
func (cq *CommandQueue) dropIfIdleLocked(ls *laneState) {
	if ls.running == 0 && len(ls.queue) == 0 && cq.lanes[ls.name] == ls {
		delete(cq.lanes, ls.name)
	}
}

func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		ls.running++
		ls.activeIDs[record.id] = true

		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"agentgate.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", ls.name).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	waited := time.Since(record.enqueuedAt)
	cq.emit(Event{
		Type:   "started",
		Lane:   ls.name,
		TaskID: record.id,
		Data:   map[string]interface{}{"wait_ms": waited.Milliseconds()},
	})

	startTime := time.Now()
	value, err := cq.run(runCtx, record)
	duration := time.Since(startTime)

	record.result <- taskResult{value: value, err: err}

	cq.mu.Lock()
	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	hasMore := len(ls.queue) > 0
	cq.dropIfIdleLocked(ls)
	ls.mu.Unlock()
	cq.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(cq.name, duration, err == nil, cq.totalQueued())

	cq.emit(Event{
		Type:   "completed",
		Lane:   ls.name,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})

	if hasMore {
		cq.processLane(ls)
	}
}

// run executes the task and converts a panic into an error so the lane keeps draining
func (cq *CommandQueue) run(ctx context.Context, record *taskRecord) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", record.id, r)
		}
	}()
	return record.task(ctx)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", ls.name).
				Str("task_id", record.id).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

func (cq *CommandQueue) lookup(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

func (cq *CommandQueue) totalQueued() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	total := 0
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		total += len(ls.queue)
		ls.mu.Unlock()
	}
	return total
}

// GetQueueSize returns the number of queued (not running) tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneCount returns the number of live lanes
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// GetStats returns statistics for all live lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects all queued tasks of a lane. Running tasks are untouched.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil
	cq.dropIfIdleLocked(ls)

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	return count
}

// WaitForActive waits for all running tasks to complete, up to timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		active := 0
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			active += len(ls.activeIDs)
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if active == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("active", active).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrQueueClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
