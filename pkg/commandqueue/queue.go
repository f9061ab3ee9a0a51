package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (any, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long.
	WarnAfter time.Duration
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	name        string
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue. Lanes are created on first use.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// LaneKind trims a lane name to its first two segments ("agent:manager:u1"
// becomes "agent:manager") for use as a bounded metric label.
func LaneKind(lane string) string {
	parts := strings.SplitN(lane, ":", 3)
	if len(parts) < 2 {
		return lane
	}
	return parts[0] + ":" + parts[1]
}

// Enqueue adds a task to the specified lane
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (any, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to lane and blocks until it has run. The
// task receives a context derived from ctx that is also cancelled on Close.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (value any, err error) {
	return cq.enqueue(ctx, lane, 1, task, options)
}

// EnqueueConcurrent is EnqueueWithContext for a lane that admits up to
// concurrency tasks at once. The limit is fixed when the lane is created.
func (cq *CommandQueue) EnqueueConcurrent(ctx context.Context, lane string, concurrency int, task Task, options *TaskOptions) (any, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	return cq.enqueue(ctx, lane, concurrency, task, options)
}

func (cq *CommandQueue) enqueue(ctx context.Context, lane string, concurrency int, task Task, options *TaskOptions) (value any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue", attribute.String("lane", lane))
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	// The lane is created and the record queued under cq.mu so that an idle
	// lane cannot be pruned in between.
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{name: lane, concurrency: concurrency}
		cq.lanes[lane] = ls
		logger.Debug().Int("concurrency", concurrency).Msg("Lane initialized")
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(LaneKind(lane), queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(ls, record)
	}

	cq.processLane(ls)

	select {
	case result := <-record.result:
		return result.value, result.err
	case <-ctx.Done():
		if cq.withdraw(ls, record) {
			logger.Debug().Str("taskId", record.id).Msg("Task withdrawn before start")
			return nil, ctx.Err()
		}
		// Already running; its context is cancelled too.
		result := <-record.result
		return result.value, result.err
	}
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		ls.running++

		logger := tracing.LoggerFromContext(record.ctx, log.Logger).With().Str("lane", ls.name).Logger()
		logger.Debug().
			Str("taskId", record.id).
			Int("running", ls.running).
			Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

// withdraw removes a still-queued record. It reports false once the record
// has started.
func (cq *CommandQueue) withdraw(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	found := false
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			found = true
			break
		}
	}
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	if found {
		observability.SetQueueSize(LaneKind(ls.name), queueSize)
		cq.prune(ls)
	}
	return found
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		tracing.TracerQueue,
		"commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", ls.name).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(LaneKind(ls.name), duration, err == nil, queueSize)

	cq.processLane(ls)
	cq.prune(ls)
}

// runTask converts a panicking task into an error so the lane is released.
func runTask(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx)
}

// prune drops ls from the lane map when it is idle.
func (cq *CommandQueue) prune(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.lanes[ls.name] != ls {
		return
	}
	ls.mu.Lock()
	idle := ls.running == 0 && len(ls.queue) == 0
	ls.mu.Unlock()
	if idle {
		delete(cq.lanes, ls.name)
	}
}

// startWarnTimer starts a timer to warn about long wait times
func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord) {
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
			logger := tracing.LoggerFromContext(record.ctx, log.Logger)
			logger.Warn().
				Str("lane", ls.name).
				Str("taskId", record.id).
				Int64("waitMs", time.Since(record.enqueuedAt).Milliseconds()).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.lanes[name]
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneCount returns the number of live (non-idle) lanes.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.LaneCount() == 0 {
			log.Debug().Msg("All active tasks completed")
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
