package conference

import "sync"

// taskQueue is an unbounded FIFO of closures drained by one goroutine. Push
// never blocks.
type taskQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	tasks    []func()
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends fn. It reports false once the queue is closed.
func (q *taskQueue) Push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until a task is available or the queue is closed.
func (q *taskQueue) Pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

// Close discards pending tasks and wakes the consumer.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.tasks {
		q.tasks[i] = nil
	}
	q.tasks = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// run drains the queue until Close.
func (q *taskQueue) run() {
	for {
		fn, ok := q.Pop()
		if !ok {
			return
		}
		fn()
	}
}
