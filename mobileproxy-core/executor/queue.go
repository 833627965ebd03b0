package executor

import (
	"sync"
	"time"
)

// Queue delivers tasks onto an Executor strictly in push order and never
// runs two of its tasks at the same time, whatever the executor does.
// After Close no further task begins. A queue whose executor refuses a task
// closes itself.
type Queue struct {
	exec Executor

	mu        sync.Mutex
	tasks     []func()
	scheduled bool
	closing   bool          // Shutdown called, no new tasks
	closed    bool          // nothing starts anymore
	idle      chan struct{} // non-nil while a task is running
	empty     chan struct{} // closed once a shutting down queue has nothing left to run
}

// NewQueue creates a queue delivering onto exec.
func NewQueue(exec Executor) *Queue {
	if exec == nil {
		exec = Goroutine{}
	}
	return &Queue{exec: exec}
}

// Push appends a task. It reports false when the queue no longer accepts
// tasks or the executor refused to run it.
func (q *Queue) Push(task func()) bool {
	q.mu.Lock()
	if q.closed || q.closing {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	start := !q.scheduled
	q.scheduled = true
	q.mu.Unlock()

	if !start {
		return true
	}
	if tryExecute(q.exec, q.drain) {
		return true
	}

	q.mu.Lock()
	q.scheduled = false
	q.closed = true
	q.tasks = nil
	q.signalEmpty()
	q.mu.Unlock()
	return false
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.tasks) == 0 {
			q.scheduled = false
			q.signalEmpty()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		idle := make(chan struct{})
		q.idle = idle
		q.mu.Unlock()

		func() {
			defer func() {
				q.mu.Lock()
				q.idle = nil
				close(idle)
				q.mu.Unlock()
			}()
			task()
		}()
	}
}

// signalEmpty wakes a waiting Shutdown. Callers hold q.mu.
func (q *Queue) signalEmpty() {
	if q.empty != nil {
		close(q.empty)
		q.empty = nil
	}
}

// Pending returns the number of queued tasks that have not started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Closed reports whether the queue stopped accepting tasks.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || q.closing
}

// Close drops every undelivered task. When wait is positive it blocks until
// a task that is already running returns, or until wait elapses, and reports
// whether the queue went idle. Calling Close from inside one of the queue's
// own tasks with a positive wait blocks for the full wait.
func (q *Queue) Close(wait time.Duration) bool {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	idle := q.idle
	if !q.scheduled {
		q.signalEmpty()
	}
	q.mu.Unlock()

	if idle == nil || wait <= 0 {
		return idle == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// Shutdown stops accepting tasks but still delivers the ones already
// queued. It blocks until nothing is queued or running, or until wait
// elapses; then the remaining tasks are dropped as by Close. It reports
// whether the queue ran dry in time. Calling Shutdown from inside one of
// the queue's own tasks blocks for the full wait.
func (q *Queue) Shutdown(wait time.Duration) bool {
	q.mu.Lock()
	q.closing = true
	if q.closed || !q.scheduled {
		q.mu.Unlock()
		q.Close(0)
		return true
	}
	if q.empty == nil {
		q.empty = make(chan struct{})
	}
	empty := q.empty
	q.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-empty:
			q.Close(0)
			return true
		case <-timer.C:
		}
	}
	q.Close(0)
	return false
}
