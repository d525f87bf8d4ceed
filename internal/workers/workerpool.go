// Package workers runs long-lived jobs on a fixed set of goroutines.
package workers

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerPool manages a pool of workers that execute jobs concurrently.
type WorkerPool struct {
	jobCh  chan func()
	wg     sync.WaitGroup
	once   sync.Once
	logger *zap.Logger
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	wp := &WorkerPool{
		jobCh:  make(chan func(), jobBufferSize),
		logger: logger,
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker(i)
	}
	return wp
}

func (wp *WorkerPool) worker(id int) {
	for job := range wp.jobCh {
		wp.run(id, job)
	}
}

// run executes one job; a panicking job is logged and does not take the
// worker down with it.
func (wp *WorkerPool) run(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("Worker job panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job()
}

// AddJob enqueues a job without blocking. It returns false when the queue is
// full.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		return false
	}
}

// Stop closes the job queue and waits for running jobs. No job may be added
// afterwards.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		close(wp.jobCh)
		wp.wg.Wait()
	})
}
