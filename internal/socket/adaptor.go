package socket

import (
	"log"
	"net"
	"time"

	"github.com/xansec/amqpprox/internal/ratelimit"
	"github.com/xansec/amqpprox/internal/reactor"
)

// defaultRefillPeriod is the accounting window for read budgets.
const defaultRefillPeriod = time.Second

// Adaptor layers read-rate governance over a Transport. Inbound data is
// charged against two per-period budgets: the limit budget defers reads
// once exhausted until the next refill, and the alarm budget logs a
// warning, at most once per period, without slowing anything down.
//
// All methods except the budget quota accessors must be called on the
// owning loop. SetReadRateLimit, SetReadRateAlarm, ReadRateLimit and
// ReadRateAlarm are safe from any goroutine, which is what lets a control
// plane retune live sessions.
type Adaptor struct {
	loop      *reactor.Loop
	transport Transport

	// intercepted transports are test doubles standing in for the whole
	// socket; operations forward to them untouched and the rate layer
	// stays out of the way.
	intercepted bool

	limit *ratelimit.Budget
	alarm *ratelimit.Budget

	refill        *reactor.Timer
	refillPeriod  time.Duration
	refillStarted bool
	alarmed       bool

	destroyed bool
}

// NewAdaptor wraps stream with rate governance. Both budgets start
// unlimited.
func NewAdaptor(loop *reactor.Loop, stream *DualStream) *Adaptor {
	return &Adaptor{
		loop:         loop,
		transport:    stream,
		limit:        ratelimit.NewBudget(),
		alarm:        ratelimit.NewBudget(),
		refill:       reactor.NewTimer(loop),
		refillPeriod: defaultRefillPeriod,
	}
}

// NewInterceptedAdaptor wraps an arbitrary Transport, normally a test
// double. Every operation forwards to it verbatim and no usage is
// recorded.
func NewInterceptedAdaptor(loop *reactor.Loop, transport Transport) *Adaptor {
	return &Adaptor{
		loop:         loop,
		transport:    transport,
		intercepted:  true,
		limit:        ratelimit.NewBudget(),
		alarm:        ratelimit.NewBudget(),
		refill:       reactor.NewTimer(loop),
		refillPeriod: defaultRefillPeriod,
	}
}

// SetReadRateLimit caps inbound bytes per refill period. Safe from any
// goroutine.
func (a *Adaptor) SetReadRateLimit(bytesPerPeriod uint64) {
	a.limit.SetQuota(bytesPerPeriod)
}

// SetReadRateAlarm sets the per-period inbound byte count above which a
// warning is logged. Safe from any goroutine.
func (a *Adaptor) SetReadRateAlarm(bytesPerPeriod uint64) {
	a.alarm.SetQuota(bytesPerPeriod)
}

// ReadRateLimit reports the current limit quota. Safe from any goroutine.
func (a *Adaptor) ReadRateLimit() uint64 {
	return a.limit.Quota()
}

// ReadRateAlarm reports the current alarm quota. Safe from any goroutine.
func (a *Adaptor) ReadRateAlarm() uint64 {
	return a.alarm.Quota()
}

// SetSecure forwards to the transport.
func (a *Adaptor) SetSecure(secure bool) {
	a.transport.SetSecure(secure)
}

// SetDefaultOptions forwards to the transport.
func (a *Adaptor) SetDefaultOptions() error {
	return a.transport.SetDefaultOptions()
}

// RemoteEndpoint forwards to the transport.
func (a *Adaptor) RemoteEndpoint() (net.Addr, error) {
	return a.transport.RemoteEndpoint()
}

// LocalEndpoint forwards to the transport.
func (a *Adaptor) LocalEndpoint() (net.Addr, error) {
	return a.transport.LocalEndpoint()
}

// Close forwards to the transport.
func (a *Adaptor) Close() error {
	return a.transport.Close()
}

// Available forwards to the transport.
func (a *Adaptor) Available() (int, error) {
	return a.transport.Available()
}

// AsyncConnect forwards to the transport.
func (a *Adaptor) AsyncConnect(addr string, handler Handler) {
	a.transport.AsyncConnect(addr, handler)
}

// AsyncHandshake forwards to the transport.
func (a *Adaptor) AsyncHandshake(side HandshakeSide, handler Handler) {
	a.transport.AsyncHandshake(side, handler)
}

// AsyncShutdown forwards to the transport.
func (a *Adaptor) AsyncShutdown(handler Handler) {
	a.transport.AsyncShutdown(handler)
}

// AsyncWriteSome forwards to the transport. Writes are not budgeted; only
// the inbound direction is governed.
func (a *Adaptor) AsyncWriteSome(p []byte, handler IOHandler) {
	a.transport.AsyncWriteSome(p, handler)
}

// ReadSome reads immediately deliverable bytes and charges them against
// both budgets.
func (a *Adaptor) ReadSome(p []byte) (int, error) {
	n, err := a.transport.ReadSome(p)
	if !a.intercepted && n > 0 {
		a.limit.RecordUsage(uint64(n))
		a.alarm.RecordUsage(uint64(n))
	}
	return n, err
}

// AsyncReadReady completes handler once bytes are readable, holding the
// completion back while the limit budget is spent. Before dispatching it
// settles the alarm budget (warn once per period) and the limit budget
// (defer to the refill tick). The refill timer is started lazily by the
// first read that finds a budget spent, so unlimited sessions never run
// one.
func (a *Adaptor) AsyncReadReady(handler IOHandler) {
	if a.intercepted {
		a.transport.AsyncReadReady(handler)
		return
	}

	if a.alarm.Remaining() == 0 && !a.alarmed {
		if a.refillStarted {
			log.Printf("WARN: Read rate alarm threshold breached for connection %s", a.endpointHint())
			a.alarmed = true
		} else {
			a.onRefillTick(nil)
		}
	}

	if a.limit.Remaining() == 0 {
		if a.refillStarted {
			a.deferUntilRefill(handler)
			return
		}
		a.onRefillTick(nil)
	}

	a.transport.AsyncReadReady(handler)
}

// deferUntilRefill parks the read until the in-flight refill deadline.
// Cancelling and re-arming at the unchanged expiry hands that deadline to
// this wait; its closure performs the refill itself before retrying, which
// also restores the periodic chain the cancel broke.
func (a *Adaptor) deferUntilRefill(handler IOHandler) {
	a.refill.Cancel()
	a.refill.ExpiresAt(a.refill.Expiry())
	a.refill.AsyncWait(func(err error) {
		if err == reactor.ErrAborted || a.destroyed {
			return
		}
		a.onRefillTick(err)
		a.AsyncReadReady(handler)
	})
}

// onRefillTick opens a fresh accounting period: both budgets reset, the
// alarm debounce clears, and the timer is re-armed one period out.
func (a *Adaptor) onRefillTick(err error) {
	if err == reactor.ErrAborted || a.destroyed {
		return
	}
	a.limit.OnTick()
	a.alarm.OnTick()
	a.alarmed = false
	a.refill.ExpiresAfter(a.refillPeriod)
	a.refill.AsyncWait(a.onRefillTick)
	a.refillStarted = true
}

// Destroy detaches the adaptor from its refill timer. Pending timer waits
// abort and later ticks become no-ops; the transport itself is closed
// separately by whoever owns it.
func (a *Adaptor) Destroy() {
	a.destroyed = true
	a.refill.Cancel()
}

func (a *Adaptor) endpointHint() string {
	if ep, err := a.transport.RemoteEndpoint(); err == nil && ep != nil {
		return ep.String()
	}
	return "unknown"
}
