package reactor

import "sync"

// Loop is a serial executor: one goroutine draining a FIFO task queue. All
// tasks posted to one loop run non-overlapping and in submission order, so
// per-connection state that is only ever touched from its loop needs no
// locking.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewLoop creates a loop. Run must be called for posted tasks to execute.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes queued tasks until Stop is called and the queue has drained.
// It is intended to be the body of a dedicated goroutine.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if len(tasks) > 0 {
			// More work may have queued while we were running; drain it
			// before considering a stop or going to sleep.
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

// Post schedules fn to run on the loop. It never blocks and is safe to call
// from any goroutine, including from tasks already running on the loop.
// After Stop it is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop makes Run return once the already-queued tasks have executed.
// Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
