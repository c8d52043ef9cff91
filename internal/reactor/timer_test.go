package reactor

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	loop := NewLoop()
	go loop.Run()
	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
	})
	return loop
}

func TestTimerFiresAtExpiry(t *testing.T) {
	loop := startLoop(t)
	timer := NewTimer(loop)

	fired := make(chan error, 1)
	timer.ExpiresAfter(10 * time.Millisecond)
	timer.AsyncWait(func(err error) { fired <- err })

	select {
	case err := <-fired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerPastExpiryCompletesImmediately(t *testing.T) {
	loop := startLoop(t)
	timer := NewTimer(loop)

	fired := make(chan error, 1)
	timer.ExpiresAt(time.Now().Add(-time.Second))
	timer.AsyncWait(func(err error) { fired <- err })

	select {
	case err := <-fired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("past-expiry wait never completed")
	}
}

func TestTimerCancelAbortsPendingWait(t *testing.T) {
	loop := startLoop(t)
	timer := NewTimer(loop)

	var calls atomic.Int32
	fired := make(chan error, 1)
	timer.ExpiresAfter(5 * time.Millisecond)
	timer.AsyncWait(func(err error) {
		calls.Add(1)
		fired <- err
	})
	aborted := timer.Cancel()
	require.Equal(t, 1, aborted)

	select {
	case err := <-fired:
		require.True(t, errors.Is(err, ErrAborted))
	case <-time.After(time.Second):
		t.Fatal("cancelled wait never completed")
	}

	// The original clock expiry passing must not fire the handler again.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load(), "handler invoked more than once")
}

func TestTimerRearmAbortsThenFiresNewWait(t *testing.T) {
	loop := startLoop(t)
	timer := NewTimer(loop)

	first := make(chan error, 1)
	timer.ExpiresAfter(time.Hour)
	timer.AsyncWait(func(err error) { first <- err })

	aborted := timer.ExpiresAfter(5 * time.Millisecond)
	require.Equal(t, 1, aborted)

	second := make(chan error, 1)
	timer.AsyncWait(func(err error) { second <- err })

	require.ErrorIs(t, <-first, ErrAborted)
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rearmed wait never fired")
	}
}

// A cancelled-then-rearmed-at-the-same-expiry timer is the wakeup idiom the
// socket adaptor uses to park a read until the next refill boundary: the
// pending periodic wait is aborted and a new wait completes at the original
// expiry.
func TestTimerCancelAndRearmAtSameExpiry(t *testing.T) {
	loop := startLoop(t)
	timer := NewTimer(loop)

	periodic := make(chan error, 1)
	timer.ExpiresAfter(30 * time.Millisecond)
	expiry := timer.Expiry()
	timer.AsyncWait(func(err error) { periodic <- err })

	timer.Cancel()
	timer.ExpiresAt(expiry)

	retry := make(chan error, 1)
	start := time.Now()
	timer.AsyncWait(func(err error) { retry <- err })

	require.ErrorIs(t, <-periodic, ErrAborted)
	select {
	case err := <-retry:
		require.NoError(t, err)
		require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond,
			"retry wait completed before the original expiry")
	case <-time.After(time.Second):
		t.Fatal("retry wait never fired")
	}
}

func TestTimerMultipleWaitsAllComplete(t *testing.T) {
	loop := startLoop(t)
	timer := NewTimer(loop)

	timer.ExpiresAfter(10 * time.Millisecond)
	fired := make(chan error, 3)
	for i := 0; i < 3; i++ {
		timer.AsyncWait(func(err error) { fired <- err })
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-fired:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("wait never fired")
		}
	}
}
