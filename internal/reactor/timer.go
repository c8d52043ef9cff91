package reactor

import (
	"errors"
	"sync"
	"time"
)

// ErrAborted is delivered to a pending AsyncWait when the timer is cancelled
// or rearmed before its expiry was reached.
var ErrAborted = errors.New("reactor: timer wait aborted")

// Timer is a rearmable one-shot timer bound to a Loop. Completion handlers
// are always delivered on the loop: with nil once the expiry is reached,
// with ErrAborted if the timer is cancelled or rearmed first. A wait whose
// expiry already lies in the past completes immediately.
//
// A generation counter suppresses clock fires that race a cancel, so each
// handler is invoked exactly once. A Timer may be shared by pointer between
// its owner and in-flight completion handlers; cancelling or rearming never
// invalidates a handler that is already queued on the loop.
type Timer struct {
	loop *Loop

	mu     sync.Mutex
	gen    uint64
	expiry time.Time
	waits  []*timerWait
}

type timerWait struct {
	gen   uint64
	fn    func(error)
	clock *time.Timer
}

// NewTimer returns an unarmed timer bound to loop.
func NewTimer(loop *Loop) *Timer {
	return &Timer{loop: loop}
}

// Expiry returns the currently configured expiry time. The zero time means
// the timer has never been armed.
func (t *Timer) Expiry() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiry
}

// ExpiresAfter arms the timer to expire d from now and aborts pending
// waits, returning how many were aborted.
func (t *Timer) ExpiresAfter(d time.Duration) int {
	return t.ExpiresAt(time.Now().Add(d))
}

// ExpiresAt arms the timer to expire at the given time and aborts pending
// waits, returning how many were aborted.
func (t *Timer) ExpiresAt(at time.Time) int {
	t.mu.Lock()
	aborted := t.abortLocked()
	t.expiry = at
	t.mu.Unlock()
	return aborted
}

// Cancel aborts pending waits without changing the expiry, returning how
// many were aborted. Their handlers receive ErrAborted on the loop.
func (t *Timer) Cancel() int {
	t.mu.Lock()
	aborted := t.abortLocked()
	t.mu.Unlock()
	return aborted
}

// AsyncWait schedules fn on the loop with nil once the expiry is reached,
// or with ErrAborted if the timer is cancelled or rearmed first.
func (t *Timer) AsyncWait(fn func(error)) {
	t.mu.Lock()
	d := time.Until(t.expiry)
	if d <= 0 {
		t.mu.Unlock()
		t.loop.Post(func() { fn(nil) })
		return
	}
	w := &timerWait{gen: t.gen, fn: fn}
	w.clock = time.AfterFunc(d, func() { t.fire(w) })
	t.waits = append(t.waits, w)
	t.mu.Unlock()
}

func (t *Timer) abortLocked() int {
	t.gen++
	aborted := len(t.waits)
	for _, w := range t.waits {
		if w.clock != nil {
			w.clock.Stop()
		}
		fn := w.fn
		t.loop.Post(func() { fn(ErrAborted) })
	}
	t.waits = nil
	return aborted
}

func (t *Timer) fire(w *timerWait) {
	t.mu.Lock()
	if w.gen != t.gen {
		// Aborted between the clock firing and this call; the handler has
		// already been queued with ErrAborted.
		t.mu.Unlock()
		return
	}
	for i, pending := range t.waits {
		if pending == w {
			t.waits = append(t.waits[:i], t.waits[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.loop.Post(func() { w.fn(nil) })
}
