package socket

import (
	"bytes"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xansec/amqpprox/internal/reactor"
)

type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestAdaptorRecordsUsageAgainstBudgets(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 500)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hold := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(payload)
		<-hold
		conn.Close()
	}()
	defer close(hold)

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	loop := startLoop(t)
	adaptor := NewAdaptor(loop, WrapConn(loop, raw, nil, false))
	adaptor.SetReadRateLimit(1000)
	adaptor.SetReadRateAlarm(2000)
	require.Equal(t, uint64(1000), adaptor.ReadRateLimit())
	require.Equal(t, uint64(2000), adaptor.ReadRateAlarm())

	var got []byte
	buf := make([]byte, 1024)
	for len(got) < len(payload) {
		res := make(chan ioResult, 1)
		loop.Post(func() {
			adaptor.AsyncReadReady(func(n int, err error) { res <- ioResult{n, err} })
		})
		require.NoError(t, awaitIO(t, res).err)
		onLoop(t, loop, func() {
			n, err := adaptor.ReadSome(buf)
			require.NoError(t, err)
			got = append(got, buf[:n]...)
		})
	}
	require.Equal(t, payload, got)

	onLoop(t, loop, func() {
		require.Equal(t, uint64(500), adaptor.limit.Used())
		require.Equal(t, uint64(500), adaptor.limit.Remaining())
		require.Equal(t, uint64(500), adaptor.alarm.Used())
		require.False(t, adaptor.refillStarted, "within-budget traffic must not start the refill timer")
		adaptor.Destroy()
		adaptor.Close()
	})
}

// readOneByte drives a full ready-then-read cycle and asserts it delivers
// exactly the expected byte.
func readOneByte(t *testing.T, loop *reactor.Loop, a *Adaptor, expect byte) {
	t.Helper()
	res := make(chan ioResult, 1)
	loop.Post(func() {
		a.AsyncReadReady(func(n int, err error) { res <- ioResult{n, err} })
	})
	r := awaitIO(t, res)
	require.NoError(t, r.err)
	require.Equal(t, 1, r.n)

	done := make(chan struct{})
	loop.Post(func() {
		buf := make([]byte, 1)
		n, err := a.ReadSome(buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, expect, buf[0])
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading byte")
	}
}

func TestAdaptorDefersReadWhenLimitSpent(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	loop := startLoop(t)
	stream := WrapConn(loop, c1, nil, false)
	a := NewAdaptor(loop, stream)
	a.refillPeriod = 50 * time.Millisecond
	a.SetReadRateLimit(1)

	go c2.Write([]byte{0x01, 0x02})
	readOneByte(t, loop, a, 0x01) // spends the whole quota

	armed := time.Now()
	readOneByte(t, loop, a, 0x02) // exhausted but timer not started: bootstraps and proceeds

	// Quota spent again with the refill timer running: the read must park
	// until the tick.
	go c2.Write([]byte{0x03})
	res := make(chan ioResult, 1)
	loop.Post(func() {
		a.AsyncReadReady(func(n int, err error) { res <- ioResult{n, err} })
	})
	r := awaitIO(t, res)
	require.NoError(t, r.err)
	require.Equal(t, 1, r.n)
	require.GreaterOrEqual(t, time.Since(armed), 45*time.Millisecond,
		"deferred read completed before the refill tick")

	onLoop(t, loop, func() {
		buf := make([]byte, 1)
		n, err := a.ReadSome(buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, byte(0x03), buf[0])
		require.Equal(t, uint64(1), a.limit.Used())
		a.Destroy()
		a.Close()
	})
}

func TestAdaptorAlarmWarnsOncePerPeriod(t *testing.T) {
	sink := &logSink{}
	prev := log.Writer()
	log.SetOutput(sink)
	t.Cleanup(func() { log.SetOutput(prev) })

	c1, c2 := net.Pipe()
	defer c2.Close()

	loop := startLoop(t)
	stream := WrapConn(loop, c1, nil, false)
	a := NewAdaptor(loop, stream)
	a.refillPeriod = 150 * time.Millisecond
	a.SetReadRateAlarm(1)

	go c2.Write([]byte{1})
	readOneByte(t, loop, a, 1) // spends the alarm budget
	go c2.Write([]byte{2})
	readOneByte(t, loop, a, 2) // first exhausted hit bootstraps the timer, no warning
	go c2.Write([]byte{3})
	readOneByte(t, loop, a, 3) // warns
	go c2.Write([]byte{4})
	readOneByte(t, loop, a, 4) // debounced
	require.Equal(t, 1, strings.Count(sink.String(), "Read rate alarm threshold breached"),
		"alarm must log exactly once per period")

	time.Sleep(160 * time.Millisecond) // refill tick clears the debounce

	go c2.Write([]byte{5})
	readOneByte(t, loop, a, 5)
	go c2.Write([]byte{6})
	readOneByte(t, loop, a, 6) // fresh period, warns again
	require.Equal(t, 2, strings.Count(sink.String(), "Read rate alarm threshold breached"))

	onLoop(t, loop, func() {
		a.Destroy()
		a.Close()
	})
}

func TestAdaptorDestroyDropsPendingRefill(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	loop := startLoop(t)
	stream := WrapConn(loop, c1, nil, false)
	a := NewAdaptor(loop, stream)
	a.refillPeriod = 80 * time.Millisecond
	a.SetReadRateLimit(1)

	go c2.Write([]byte{0x01})
	readOneByte(t, loop, a, 0x01)
	go c2.Write([]byte{0x02})
	readOneByte(t, loop, a, 0x02) // bootstraps the timer

	// Quota spent, timer running, nothing more to read: this parks.
	res := make(chan ioResult, 1)
	loop.Post(func() {
		a.AsyncReadReady(func(n int, err error) { res <- ioResult{n, err} })
	})
	onLoop(t, loop, func() { a.Destroy() })

	time.Sleep(180 * time.Millisecond)
	select {
	case r := <-res:
		t.Fatalf("parked read completed after destroy: n=%d err=%v", r.n, r.err)
	default:
	}
	onLoop(t, loop, func() {
		require.Equal(t, uint64(1), a.limit.Used(), "refill tick ran after destroy")
		a.Close()
	})
}

func TestInterceptedAdaptorBypassesGovernance(t *testing.T) {
	loop := startLoop(t)
	ic := NewIntercept(loop)
	ic.ReadFunc = func(p []byte) (int, error) {
		return copy(p, "data"), nil
	}
	a := NewInterceptedAdaptor(loop, ic)
	a.SetReadRateLimit(0) // zero quota parks a real connection forever

	res := make(chan ioResult, 1)
	loop.Post(func() {
		a.AsyncReadReady(func(n int, err error) { res <- ioResult{n, err} })
	})
	require.NoError(t, awaitIO(t, res).err)

	onLoop(t, loop, func() {
		buf := make([]byte, 8)
		n, err := a.ReadSome(buf)
		require.NoError(t, err)
		require.Equal(t, "data", string(buf[:n]))
		require.Equal(t, uint64(0), a.limit.Used(), "intercepted reads must not be budgeted")
		require.False(t, a.refillStarted)
	})
	require.Equal(t, []string{"readReady", "read"}, ic.Calls)
}

func TestAdaptorForwardsThroughIntercept(t *testing.T) {
	loop := startLoop(t)
	ic := NewIntercept(loop)
	ic.Local = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 15672}
	ic.Remote = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 5672}
	ic.AvailableFunc = func() (int, error) { return 3, nil }
	a := NewInterceptedAdaptor(loop, ic)

	connected := make(chan error, 1)
	loop.Post(func() {
		a.AsyncConnect("10.0.0.7:5672", func(err error) { connected <- err })
	})
	require.NoError(t, awaitErr(t, connected))

	handshook := make(chan error, 1)
	loop.Post(func() {
		a.AsyncHandshake(HandshakeClient, func(err error) { handshook <- err })
	})
	require.NoError(t, awaitErr(t, handshook))

	onLoop(t, loop, func() {
		a.SetSecure(true)
		require.True(t, ic.Secure)
		require.NoError(t, a.SetDefaultOptions())

		av, err := a.Available()
		require.NoError(t, err)
		require.Equal(t, 3, av)

		remote, err := a.RemoteEndpoint()
		require.NoError(t, err)
		require.Equal(t, "10.0.0.7:5672", remote.String())
		local, err := a.LocalEndpoint()
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:15672", local.String())
	})

	wrote := make(chan ioResult, 1)
	loop.Post(func() {
		a.AsyncWriteSome([]byte("abc"), func(n int, err error) { wrote <- ioResult{n, err} })
	})
	w := awaitIO(t, wrote)
	require.NoError(t, w.err)
	require.Equal(t, 3, w.n)

	shut := make(chan error, 1)
	loop.Post(func() {
		a.AsyncShutdown(func(err error) { shut <- err })
	})
	require.NoError(t, awaitErr(t, shut))

	onLoop(t, loop, func() { require.NoError(t, a.Close()) })
	require.Equal(t,
		[]string{"connect", "handshake", "setSecure", "setDefaultOptions", "available", "write", "shutdown", "close"},
		ic.Calls)
}
