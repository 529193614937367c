package utils

import (
	"sync"
)

// WorkerPool manages a pool of workers to execute tasks.
type WorkerPool struct {
	workers   int
	taskQueue chan func()
	waitGroup sync.WaitGroup
}

// NewWorkerPool creates a new WorkerPool with the specified number of
// workers and queue capacity.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	pool := &WorkerPool{
		workers:   workers,
		taskQueue: make(chan func(), queueSize),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// worker processes tasks from the taskQueue.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for task := range wp.taskQueue {
		task()
	}
}

// Submit adds a new task to the worker pool, blocking while the queue is full.
func (wp *WorkerPool) Submit(task func()) {
	wp.taskQueue <- task
}

// Shutdown waits for all workers to finish and then closes the worker pool.
func (wp *WorkerPool) Shutdown() {
	close(wp.taskQueue)
	wp.waitGroup.Wait()
}
