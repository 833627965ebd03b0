// Package executor provides the execution contexts callers hand to the engine
// and the ordered callback queue used to deliver events onto them.
package executor

import "sync"

// Executor runs submitted tasks. Implementations decide on which goroutine
// a task runs; the engine never assumes a particular one.
type Executor interface {
	Execute(task func())
}

// Rejecter is implemented by executors that can refuse work, for example
// after they were closed.
type Rejecter interface {
	TryExecute(task func()) bool
}

func tryExecute(exec Executor, task func()) bool {
	if r, ok := exec.(Rejecter); ok {
		return r.TryExecute(task)
	}
	exec.Execute(task)
	return true
}

// Func adapts a function to the Executor interface.
type Func func(task func())

// Execute implements Executor.
func (f Func) Execute(task func()) {
	f(task)
}

// Inline runs each task on the submitting goroutine.
type Inline struct{}

// Execute implements Executor.
func (Inline) Execute(task func()) {
	task()
}

// Goroutine runs each task on a new goroutine.
type Goroutine struct{}

// Execute implements Executor.
func (Goroutine) Execute(task func()) {
	go task()
}

// Serial runs tasks one at a time, in submission order, on a single
// dedicated goroutine.
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewSerial starts a serial executor.
func NewSerial() *Serial {
	s := &Serial{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Execute implements Executor. Tasks submitted after Close are ignored.
func (s *Serial) Execute(task func()) {
	s.TryExecute(task)
}

// TryExecute implements Rejecter. It reports false after Close.
func (s *Serial) TryExecute(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks = append(s.tasks, task)
	s.cond.Signal()
	return true
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.tasks) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		task()
	}
}

// Close stops accepting tasks. Tasks already queued still run; Close does
// not wait for them. Use Done to wait.
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Done is closed once the executor has drained after Close.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}
