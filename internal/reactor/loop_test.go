package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInSubmissionOrder(t *testing.T) {
	loop := NewLoop()
	go loop.Run()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		loop.Post(func() { order = append(order, i) })
	}
	loop.Post(func() { close(done) })

	<-done
	loop.Stop()
	<-loop.Done()

	require.Len(t, order, 10)
	for i, v := range order {
		require.Equal(t, i, v, "task order mismatch at %d", i)
	}
}

func TestLoopPostFromTask(t *testing.T) {
	loop := NewLoop()
	go loop.Run()

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
	loop.Stop()
	<-loop.Done()
}

func TestLoopPostAfterStopIsNoop(t *testing.T) {
	loop := NewLoop()
	go loop.Run()
	loop.Stop()
	<-loop.Done()

	// Must not panic or deadlock.
	loop.Post(func() { t.Error("task ran after stop") })
	time.Sleep(20 * time.Millisecond)
}

func TestLoopStopDrainsQueuedTasks(t *testing.T) {
	loop := NewLoop()

	ran := 0
	for i := 0; i < 5; i++ {
		loop.Post(func() { ran++ })
	}
	loop.Stop()
	loop.Run()

	require.Equal(t, 5, ran)
}
