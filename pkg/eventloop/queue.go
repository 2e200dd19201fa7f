package eventloop

import "sync"

// TaskQueue is a FIFO of deferred callbacks. Producers push from any
// goroutine; the loop drains it by swapping the pending slice out, so tasks
// pushed while a drain is running wait for the next drain.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []func()
}

// Push appends fn to the queue.
func (q *TaskQueue) Push(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

// Drain removes and returns every queued task in insertion order.
func (q *TaskQueue) Drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
