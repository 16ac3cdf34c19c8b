// Package jobs runs input records through a bounded pool of workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrPoolStopped is returned by Submit once Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// TaskHandler processes one task. Errors are logged and counted; they never
// stop the pool.
type TaskHandler func(ctx context.Context, task *Task) error

// PanicHandler is called after a task panicked and the panic was recovered.
type PanicHandler func(ctx context.Context, task *Task, recovered any)

// WorkerPool manages a fixed set of workers fed from a bounded queue.
type WorkerPool struct {
	runID      string
	numWorkers int
	handler    TaskHandler
	onPanic    PanicHandler

	queue    chan *Task
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping atomic.Bool
	mu       sync.RWMutex // Serialises Submit against closing the queue

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(runID string, numWorkers int, handler TaskHandler, onPanic PanicHandler) *WorkerPool {
	if numWorkers < 1 {
		panic("numWorkers must be at least 1")
	}
	if handler == nil {
		panic("task handler is required")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	return &WorkerPool{
		runID:      runID,
		numWorkers: numWorkers,
		handler:    handler,
		onPanic:    onPanic,
		queue:      make(chan *Task, numWorkers*2),
	}
}

// RunID returns the identifier shared by every task in this pool.
func (wp *WorkerPool) RunID() string {
	return wp.runID
}

// Start starts the worker pool. ctx is handed to every task.
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().Int("workers", wp.numWorkers).Str("run_id", wp.runID).Msg("Starting worker pool")

	wp.wg.Add(wp.numWorkers)
	for i := 0; i < wp.numWorkers; i++ {
		go wp.worker(ctx, i)
	}
}

// Submit queues an input. It blocks while the queue is full and returns
// early if ctx is cancelled or the pool is stopping.
func (wp *WorkerPool) Submit(ctx context.Context, input retrieval.Input) (*Task, error) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopping.Load() {
		return nil, ErrPoolStopped
	}

	task := &Task{
		ID:        uuid.NewString(),
		RunID:     wp.runID,
		Input:     input,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	select {
	case wp.queue <- task:
		wp.submitted.Add(1)
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the queue and waits for queued and in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.stopping.Store(true)
		log.Debug().Msg("Stopping worker pool")
		wp.mu.Lock()
		close(wp.queue)
		wp.mu.Unlock()
	})
	wp.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// Stats returns a snapshot of the pool counters.
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Submitted: wp.submitted.Load(),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Panicked:  wp.panicked.Load(),
	}
}

func (wp *WorkerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	log.Debug().Int("worker_id", workerID).Msg("Starting worker")

	for task := range wp.queue {
		wp.runTask(ctx, workerID, task)
	}

	log.Debug().Int("worker_id", workerID).Msg("Worker queue drained")
}

func (wp *WorkerPool) runTask(ctx context.Context, workerID int, task *Task) {
	task.Status = TaskStatusRunning
	task.StartedAt = time.Now().UTC()

	defer func() {
		task.CompletedAt = time.Now().UTC()
		r := recover()
		if r == nil {
			return
		}

		wp.panicked.Add(1)
		wp.failed.Add(1)
		task.Status = TaskStatusFailed
		task.Error = fmt.Sprintf("panic: %v", r)

		log.Error().
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Str("task_id", task.ID).
			Str("url", task.Input.URL).
			Int("worker_id", workerID).
			Msg("Recovered from panic in task")

		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("run_id", task.RunID)
			scope.SetTag("task_id", task.ID)
			scope.SetExtra("url", task.Input.URL)
		})
		hub.Recover(r)

		if wp.onPanic != nil {
			wp.onPanic(ctx, task, r)
		}
	}()

	if err := wp.handler(ctx, task); err != nil {
		wp.failed.Add(1)
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		log.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("url", task.Input.URL).
			Msg("Task failed")
		return
	}

	wp.completed.Add(1)
	task.Status = TaskStatusCompleted
}
