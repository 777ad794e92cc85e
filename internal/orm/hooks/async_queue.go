package hooks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrQueueNotStarted is returned by Enqueue before Start
	ErrQueueNotStarted = errors.New("hooks: queue not started")
	// ErrQueueShutdown is returned by Enqueue after Shutdown
	ErrQueueShutdown = errors.New("hooks: queue shut down")
)

// AsyncTask is one unit of work for the queue
type AsyncTask struct {
	Name string
	Fn   func(ctx context.Context) error
}

// AsyncQueue runs tasks on a fixed pool of workers
type AsyncQueue struct {
	tasks       chan AsyncTask
	workerCount int
	logger      *zap.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	shutdown    bool
	mu          sync.RWMutex
}

// NewAsyncQueue creates a queue with workerCount workers and a buffer of
// capacity pending tasks
func NewAsyncQueue(workerCount, capacity int, logger *zap.Logger) *AsyncQueue {
	if workerCount <= 0 {
		workerCount = 4
	}
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncQueue{
		tasks:       make(chan AsyncTask, capacity),
		workerCount: workerCount,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the workers
func (q *AsyncQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.started = true
}

func (q *AsyncQueue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(id, task)
		}
	}
}

func (q *AsyncQueue) run(id int, task AsyncTask) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("async task panicked",
				zap.Int("worker", id),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	if err := task.Fn(q.ctx); err != nil {
		q.logger.Warn("async task failed",
			zap.Int("worker", id),
			zap.String("task", task.Name),
			zap.Error(err))
	}
}

// Enqueue adds a task, blocking while the buffer is full
func (q *AsyncQueue) Enqueue(task AsyncTask) error {
	// held for the send so Shutdown cannot close the channel under it
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started {
		return ErrQueueNotStarted
	}
	if q.shutdown {
		return ErrQueueShutdown
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.ctx.Done():
		return ErrQueueShutdown
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish, or
// for ctx to end, in which case running tasks see a cancelled context
func (q *AsyncQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.started || q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
