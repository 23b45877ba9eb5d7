package util

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task represents a unit of work to be executed
type Task func()

// GoroutinePool runs submitted tasks on a fixed set of workers. With a single
// worker tasks run in submission order.
type GoroutinePool struct {
	name      string
	taskQueue chan Task
	panics    *PanicHandler
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// PoolStats tracks pool activity
type PoolStats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksRejected  int64
	QueueLength    int
}

// NewGoroutinePool starts workers goroutines reading a queue of queueSize tasks
func NewGoroutinePool(name string, workers, queueSize int, logger *logrus.Logger) *GoroutinePool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	gp := &GoroutinePool{
		name:      name,
		taskQueue: make(chan Task, queueSize),
		panics:    NewPanicHandler(logger),
	}
	for i := 0; i < workers; i++ {
		gp.wg.Add(1)
		go gp.worker()
	}
	return gp
}

// Submit queues a task. It returns false when the queue is full or the pool
// is shut down.
func (gp *GoroutinePool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	gp.mu.RLock()
	defer gp.mu.RUnlock()
	if gp.closed {
		gp.rejected.Add(1)
		return false
	}

	select {
	case gp.taskQueue <- task:
		gp.submitted.Add(1)
		return true
	default:
		gp.rejected.Add(1)
		return false
	}
}

func (gp *GoroutinePool) worker() {
	defer gp.wg.Done()
	for task := range gp.taskQueue {
		gp.run(task)
	}
}

func (gp *GoroutinePool) run(task Task) {
	defer gp.completed.Add(1)
	defer gp.panics.Recover(gp.name)
	task()
}

// GetStats returns current pool statistics
func (gp *GoroutinePool) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: gp.submitted.Load(),
		TasksCompleted: gp.completed.Load(),
		TasksRejected:  gp.rejected.Load(),
		QueueLength:    len(gp.taskQueue),
	}
}

// Shutdown stops accepting tasks and waits up to timeout for the queued ones
// to finish. It reports whether the queue was drained in time.
func (gp *GoroutinePool) Shutdown(timeout time.Duration) bool {
	gp.mu.Lock()
	if !gp.closed {
		gp.closed = true
		close(gp.taskQueue)
	}
	gp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		gp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
