package router

import "sync"

// Scheduler runs detached tasks, such as storing a response after it was returned.
// Go reports false when the task was not accepted.
type Scheduler interface {
	Go(task func()) bool
}

// Background runs every task in its own goroutine and keeps track of them,
// so that shutdown (and tests) can wait for all pending writes.
// Once closed it refuses new tasks.
type Background struct {
	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (b *Background) Go(task func()) bool {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return false
	}
	b.wg.Add(1)
	b.mutex.Unlock()
	go func() {
		defer b.wg.Done()
		task()
	}()
	return true
}

// Wait blocks until all tasks started so far have finished.
func (b *Background) Wait() {
	b.wg.Wait()
}

// Close refuses further tasks and waits for the pending ones.
func (b *Background) Close() {
	b.mutex.Lock()
	b.closed = true
	b.mutex.Unlock()
	b.wg.Wait()
}
