// Package session pairs one accepted client connection with one broker
// connection and relays AMQP 0-9-1 between them. The proxy answers the
// client's connection handshake itself, which is what lets it learn the
// virtual host and choose a broker before any upstream socket exists; the
// buffered handshake is then replayed to the broker and the session turns
// into opaque byte pumping.
package session

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xansec/amqpprox/internal/amqp"
	"github.com/xansec/amqpprox/internal/backend"
	"github.com/xansec/amqpprox/internal/iface"
	"github.com/xansec/amqpprox/internal/ratelimit"
	"github.com/xansec/amqpprox/internal/reactor"
	"github.com/xansec/amqpprox/internal/socket"
)

// copyBufferSize defines the size of the buffer used for pumping data
// between client and broker.
const copyBufferSize = 32 * 1024 // 32KB

// closeGraceTimeout bounds how long a graceful teardown waits for shutdown
// completions before dropping the connections.
const closeGraceTimeout = 5 * time.Second

// bufferPool is a pool of byte slices used for pumping data to reduce
// allocations.
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// Session states reported to the control plane.
const (
	StateHandshaking = "handshaking"
	StateOpen        = "open"
	StateClosing     = "closing"
	StateClosed      = "closed"
)

// phase tracks progress through the relayed connection handshake.
type phase int

const (
	phaseHeader phase = iota
	phaseStartOk
	phaseTuneOk
	phaseOpen
	phaseBrokerStart
	phaseBrokerTune
	phaseBrokerOpenOk
	phasePumping
)

// Options carries the per-session settings resolved by the listener.
type Options struct {
	// TLSConfig, when set, makes the session terminate TLS on the client
	// leg before speaking AMQP.
	TLSConfig *tls.Config
	// EgressTLS overrides the configuration used for broker handshakes.
	EgressTLS *tls.Config
	// DefaultFarm overrides the global default farm for this session.
	DefaultFarm string

	ReadRateLimit uint64
	ReadRateAlarm uint64
	IdleTimeout   time.Duration
}

// Session is one proxied client connection. All mutable connection state is
// confined to the session's loop; the exceptions are the stats metadata
// under mu, the byte counters, and the budget quotas, which the control
// plane touches from its own goroutines.
type Session struct {
	id    uuid.UUID
	loop  *reactor.Loop
	farms *backend.Registry
	opts  Options

	ingress *socket.Adaptor
	egress  *socket.Adaptor

	clientScan *amqp.Scanner
	brokerScan *amqp.Scanner
	ingressBuf []byte
	egressBuf  []byte
	headerBuf  []byte

	// Client handshake frames replayed to the broker.
	startOk   *amqp.Frame
	tuneOk    *amqp.Frame
	openFrame *amqp.Frame

	phase    phase
	closing  bool
	finished bool

	idle         *reactor.Timer
	lastActivity time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	mu         sync.Mutex
	state      string
	vhost      string
	farm       string
	broker     string
	brokerAddr string

	clientAddr string
	startedAt  time.Time
	onClose    func(*Session)
}

// New wraps an accepted client connection in a session. Serve must be
// called for anything to happen.
func New(conn net.Conn, farms *backend.Registry, opts Options) *Session {
	loop := reactor.NewLoop()
	stream := socket.WrapConn(loop, conn, opts.TLSConfig, opts.TLSConfig != nil)
	s := &Session{
		id:         uuid.New(),
		loop:       loop,
		farms:      farms,
		opts:       opts,
		ingress:    socket.NewAdaptor(loop, stream),
		clientScan: amqp.NewScanner(0),
		brokerScan: amqp.NewScanner(0),
		ingressBuf: make([]byte, 4096),
		egressBuf:  make([]byte, 4096),
		idle:       reactor.NewTimer(loop),
		state:      StateHandshaking,
		startedAt:  time.Now(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.clientAddr = addr.String()
	}
	if opts.ReadRateLimit > 0 {
		s.ingress.SetReadRateLimit(opts.ReadRateLimit)
	}
	if opts.ReadRateAlarm > 0 {
		s.ingress.SetReadRateAlarm(opts.ReadRateAlarm)
	}
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id.String()
}

// Serve runs the session to completion, occupying the calling goroutine as
// its executor.
func (s *Session) Serve() {
	s.loop.Post(s.start)
	s.loop.Run()
}

// Shutdown asks the session to close gracefully. Safe from any goroutine.
func (s *Session) Shutdown() {
	s.loop.Post(func() { s.teardownGraceful("shutdown requested") })
}

// SetReadRateLimit retunes the client-side inbound byte budget. Zero means
// unlimited, as everywhere on the session surface. Safe from any goroutine.
func (s *Session) SetReadRateLimit(bytesPerSecond uint64) {
	if bytesPerSecond == 0 {
		bytesPerSecond = ratelimit.NoLimit
	}
	s.ingress.SetReadRateLimit(bytesPerSecond)
}

// SetReadRateAlarm retunes the client-side inbound alarm threshold. Zero
// means unlimited. Safe from any goroutine.
func (s *Session) SetReadRateAlarm(bytesPerSecond uint64) {
	if bytesPerSecond == 0 {
		bytesPerSecond = ratelimit.NoLimit
	}
	s.ingress.SetReadRateAlarm(bytesPerSecond)
}

// Stats snapshots the session for the control plane.
func (s *Session) Stats() iface.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return iface.SessionStats{
		ID:            s.id.String(),
		VirtualHost:   s.vhost,
		Farm:          s.farm,
		Broker:        s.broker,
		ClientAddress: s.clientAddr,
		BrokerAddress: s.brokerAddr,
		Secured:       s.opts.TLSConfig != nil,
		State:         s.state,
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		ReadRateLimit: statQuota(s.ingress.ReadRateLimit()),
		ReadRateAlarm: statQuota(s.ingress.ReadRateAlarm()),
		StartedAt:     s.startedAt,
	}
}

// statQuota maps the budget's internal no-limit sentinel to the zero the
// config and control planes use for unlimited.
func statQuota(q uint64) uint64 {
	if q == ratelimit.NoLimit {
		return 0
	}
	return q
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setVHost(vhost string) {
	s.mu.Lock()
	s.vhost = vhost
	s.mu.Unlock()
}

func (s *Session) setRoute(farm string, b *backend.Broker) {
	s.mu.Lock()
	s.farm = farm
	s.broker = b.Name
	s.brokerAddr = b.Address()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

func (s *Session) start() {
	if err := s.ingress.SetDefaultOptions(); err != nil {
		log.Printf("WARN: Session %s failed to set socket options on client connection: %v", s.id, err)
	}
	s.touch()
	s.armIdleTimer()
	s.ingress.AsyncHandshake(socket.HandshakeServer, func(err error) {
		if s.closing {
			return
		}
		if err != nil {
			log.Printf("ERROR: Session %s TLS handshake with client %s failed: %v", s.id, s.clientAddr, err)
			s.teardownAbrupt()
			return
		}
		s.expectClientBytes()
	})
}

func (s *Session) armIdleTimer() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	s.idle.ExpiresAfter(s.opts.IdleTimeout)
	s.idle.AsyncWait(s.onIdleTick)
}

func (s *Session) onIdleTick(err error) {
	if err == reactor.ErrAborted || s.closing {
		return
	}
	remaining := s.opts.IdleTimeout - time.Since(s.lastActivity)
	if remaining <= 0 {
		log.Printf("INFO: Session %s idle timeout reached. Closing connection.", s.id)
		s.teardownGraceful("idle timeout")
		return
	}
	s.idle.ExpiresAfter(remaining)
	s.idle.AsyncWait(s.onIdleTick)
}

// readFrom drives one ready-then-read cycle on a and hands the bytes to
// onChunk. Spurious readiness reprobes; everything else is the
// continuation's job, including issuing the next readFrom.
func (s *Session) readFrom(a *socket.Adaptor, buf []byte, ingress bool, onChunk func([]byte), onErr func(error)) {
	a.AsyncReadReady(func(n int, err error) {
		if s.closing {
			return
		}
		if err != nil {
			onErr(err)
			return
		}
		nr, rerr := a.ReadSome(buf)
		if nr > 0 {
			s.touch()
			if ingress {
				s.bytesIn.Add(uint64(nr))
			}
			onChunk(buf[:nr])
			if s.closing {
				return
			}
		}
		if rerr != nil {
			onErr(rerr)
			return
		}
		if nr == 0 {
			s.readFrom(a, buf, ingress, onChunk, onErr)
		}
	})
}

// write sends p over a and runs then once it is on the wire. Write failures
// end the session; there is nothing to salvage from a half-written stream.
func (s *Session) write(a *socket.Adaptor, p []byte, then func()) {
	a.AsyncWriteSome(p, func(n int, err error) {
		if s.closing {
			return
		}
		if err != nil {
			log.Printf("ERROR: Session %s write failed: %v", s.id, err)
			s.teardownAbrupt()
			return
		}
		if a == s.ingress {
			s.bytesOut.Add(uint64(n))
		}
		s.touch()
		if then != nil {
			then()
		}
	})
}

func (s *Session) expectClientBytes() {
	s.readFrom(s.ingress, s.ingressBuf, true, s.onClientChunk, s.onClientError)
}

func (s *Session) onClientError(err error) {
	if errors.Is(err, io.EOF) {
		log.Printf("INFO: Session %s client %s disconnected", s.id, s.clientAddr)
		s.teardownGraceful("client disconnected")
		return
	}
	log.Printf("ERROR: Session %s failed to read from client %s: %v", s.id, s.clientAddr, err)
	s.teardownAbrupt()
}

func (s *Session) onClientChunk(chunk []byte) {
	if s.phase == phaseHeader {
		s.headerBuf = append(s.headerBuf, chunk...)
		if len(s.headerBuf) < amqp.HeaderLen {
			s.expectClientBytes()
			return
		}
		header := s.headerBuf[:amqp.HeaderLen]
		rest := s.headerBuf[amqp.HeaderLen:]
		if !amqp.IsProtocolHeader(header) {
			log.Printf("WARN: Session %s client %s sent an invalid protocol header", s.id, s.clientAddr)
			// Answer with the protocol we do speak, then drop.
			s.write(s.ingress, amqp.ProtocolHeader(), func() { s.teardownAbrupt() })
			return
		}
		if len(rest) > 0 {
			s.clientScan.Feed(rest)
		}
		s.headerBuf = nil
		s.phase = phaseStartOk
		s.write(s.ingress, amqp.NewConnectionStartFrame().Marshal(), nil)
	} else {
		s.clientScan.Feed(chunk)
	}
	s.drainClientPrologue()
}

func (s *Session) drainClientPrologue() {
	for {
		f, err := s.clientScan.Next()
		if err != nil {
			log.Printf("ERROR: Session %s client sent a malformed frame: %v", s.id, err)
			s.teardownAbrupt()
			return
		}
		if f == nil {
			s.expectClientBytes()
			return
		}
		if !s.onClientFrame(f) {
			return
		}
	}
}

// onClientFrame advances the client half of the handshake. It reports
// whether the caller should keep draining client frames.
func (s *Session) onClientFrame(f *amqp.Frame) bool {
	if f.Type == amqp.FrameHeartbeat {
		return true
	}
	if f.Type != amqp.FrameMethod || f.Channel != 0 {
		log.Printf("ERROR: Session %s unexpected frame type %d on channel %d during handshake", s.id, f.Type, f.Channel)
		s.teardownAbrupt()
		return false
	}
	classID, methodID, ok := amqp.MethodID(f.Payload)
	if !ok || classID != amqp.ClassConnection {
		log.Printf("ERROR: Session %s unexpected class %d during handshake", s.id, classID)
		s.teardownAbrupt()
		return false
	}
	if methodID == amqp.MethodConnectionClose {
		// Client gave up before any broker was involved.
		s.write(s.ingress, amqp.NewConnectionCloseOkFrame().Marshal(), func() {
			s.teardownGraceful("client closed during handshake")
		})
		return false
	}

	switch s.phase {
	case phaseStartOk:
		if methodID != amqp.MethodConnectionStartOk {
			return s.unexpectedClientMethod(classID, methodID)
		}
		s.startOk = f
		s.phase = phaseTuneOk
		tune := amqp.NewConnectionTuneFrame(amqp.DefaultChannelMax, amqp.DefaultFrameMax, amqp.DefaultHeartbeat)
		s.write(s.ingress, tune.Marshal(), nil)
		return true
	case phaseTuneOk:
		if methodID != amqp.MethodConnectionTuneOk {
			return s.unexpectedClientMethod(classID, methodID)
		}
		s.tuneOk = f
		s.phase = phaseOpen
		return true
	case phaseOpen:
		if methodID != amqp.MethodConnectionOpen {
			return s.unexpectedClientMethod(classID, methodID)
		}
		vhost, err := amqp.OpenVirtualHost(f.Payload)
		if err != nil {
			log.Printf("ERROR: Session %s could not parse connection.open: %v", s.id, err)
			s.teardownAbrupt()
			return false
		}
		s.openFrame = f
		vhost = backend.NormalizeVHost(vhost)
		s.setVHost(vhost)
		// Client reads stay parked until the broker leg is up.
		s.connectEgress(vhost)
		return false
	default:
		return s.unexpectedClientMethod(classID, methodID)
	}
}

func (s *Session) unexpectedClientMethod(classID, methodID uint16) bool {
	log.Printf("ERROR: Session %s unexpected method %d.%d from client during handshake", s.id, classID, methodID)
	s.sendCloseAndEnd(amqp.ReplyNotAllowed, "unexpected method during connection handshake")
	return false
}

// sendCloseAndEnd tells the client why the proxy is ending the connection,
// then closes gracefully.
func (s *Session) sendCloseAndEnd(replyCode uint16, replyText string) {
	s.write(s.ingress, amqp.NewConnectionCloseFrame(replyCode, replyText).Marshal(), func() {
		s.teardownGraceful(replyText)
	})
}

func (s *Session) connectEgress(vhost string) {
	farm, err := s.farms.ResolveFarm(vhost, s.opts.DefaultFarm)
	if err != nil {
		log.Printf("WARN: Session %s cannot route virtual host %q: %v", s.id, vhost, err)
		s.sendCloseAndEnd(amqp.ReplyNotAllowed, fmt.Sprintf("no broker farm serves virtual host %s", vhost))
		return
	}
	b, err := farm.Select()
	if err != nil {
		log.Printf("ERROR: Session %s farm %s has no usable broker: %v", s.id, farm.Name(), err)
		s.sendCloseAndEnd(amqp.ReplyInternalError, "no broker available")
		return
	}
	s.setRoute(farm.Name(), b)
	log.Printf("INFO: Session %s routing client %s vhost %q to broker %s (%s) in farm %s",
		s.id, s.clientAddr, vhost, b.Name, b.Address(), farm.Name())

	stream := socket.NewDualStream(s.loop, s.egressTLSConfig(b), false)
	s.egress = socket.NewAdaptor(s.loop, stream)
	s.egress.AsyncConnect(b.Address(), func(err error) {
		if s.closing {
			return
		}
		if err != nil {
			log.Printf("ERROR: Session %s failed to connect to broker %s: %v", s.id, b.Address(), err)
			s.sendCloseAndEnd(amqp.ReplyInternalError, "cannot reach broker")
			return
		}
		if err := s.egress.SetDefaultOptions(); err != nil {
			log.Printf("WARN: Session %s failed to set socket options on broker connection: %v", s.id, err)
		}
		s.sendPreamble(b)
	})
}

func (s *Session) egressTLSConfig(b *backend.Broker) *tls.Config {
	if !b.TLS {
		return nil
	}
	if s.opts.EgressTLS != nil {
		conf := s.opts.EgressTLS.Clone()
		if conf.ServerName == "" {
			conf.ServerName = b.Host
		}
		return conf
	}
	return &tls.Config{ServerName: b.Host}
}

// sendPreamble writes the PROXY v1 line when the broker expects one. This
// must precede the egress TLS handshake: the preamble always travels in
// plaintext, and the stream only starts encrypting once handshaken.
func (s *Session) sendPreamble(b *backend.Broker) {
	next := func() { s.secureEgress(b) }
	if !b.ProxyProtocol {
		next()
		return
	}
	var remote, local net.Addr
	if addr, err := s.ingress.RemoteEndpoint(); err == nil {
		remote = addr
	}
	if addr, err := s.ingress.LocalEndpoint(); err == nil {
		local = addr
	}
	s.write(s.egress, proxyV1Preamble(remote, local), next)
}

func (s *Session) secureEgress(b *backend.Broker) {
	if b.TLS {
		s.egress.SetSecure(true)
	}
	s.egress.AsyncHandshake(socket.HandshakeClient, func(err error) {
		if s.closing {
			return
		}
		if err != nil {
			log.Printf("ERROR: Session %s TLS handshake with broker %s failed: %v", s.id, b.Address(), err)
			s.sendCloseAndEnd(amqp.ReplyInternalError, "broker TLS handshake failed")
			return
		}
		s.phase = phaseBrokerStart
		s.write(s.egress, amqp.ProtocolHeader(), func() { s.expectBrokerBytes() })
	})
}

func (s *Session) expectBrokerBytes() {
	s.readFrom(s.egress, s.egressBuf, false, s.onBrokerChunk, s.onBrokerError)
}

func (s *Session) onBrokerError(err error) {
	if errors.Is(err, io.EOF) {
		log.Printf("INFO: Session %s broker %s disconnected", s.id, s.brokerAddrLocked())
		s.teardownGraceful("broker disconnected")
		return
	}
	log.Printf("ERROR: Session %s failed to read from broker %s: %v", s.id, s.brokerAddrLocked(), err)
	s.teardownAbrupt()
}

func (s *Session) brokerAddrLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokerAddr
}

func (s *Session) onBrokerChunk(chunk []byte) {
	s.brokerScan.Feed(chunk)
	s.drainBrokerPrologue()
}

func (s *Session) drainBrokerPrologue() {
	for {
		f, err := s.brokerScan.Next()
		if err != nil {
			log.Printf("ERROR: Session %s broker sent a malformed frame: %v", s.id, err)
			s.teardownAbrupt()
			return
		}
		if f == nil {
			s.expectBrokerBytes()
			return
		}
		if !s.onBrokerFrame(f) {
			return
		}
	}
}

// onBrokerFrame advances the broker half of the handshake, replaying the
// frames captured from the client.
func (s *Session) onBrokerFrame(f *amqp.Frame) bool {
	if f.Type == amqp.FrameHeartbeat {
		return true
	}
	if f.Type != amqp.FrameMethod || f.Channel != 0 {
		log.Printf("ERROR: Session %s unexpected frame type %d from broker during handshake", s.id, f.Type)
		s.teardownAbrupt()
		return false
	}
	classID, methodID, ok := amqp.MethodID(f.Payload)
	if !ok || classID != amqp.ClassConnection {
		log.Printf("ERROR: Session %s unexpected class %d from broker during handshake", s.id, classID)
		s.teardownAbrupt()
		return false
	}
	if methodID == amqp.MethodConnectionClose {
		// Broker refused the connection; relay its verdict to the client.
		log.Printf("WARN: Session %s broker refused connection during handshake", s.id)
		s.write(s.egress, amqp.NewConnectionCloseOkFrame().Marshal(), nil)
		s.write(s.ingress, f.Marshal(), func() {
			s.teardownGraceful("broker refused connection")
		})
		return false
	}
	if methodID == amqp.MethodConnectionSecure {
		// SASL challenge rounds cannot be relayed because the proxy already
		// answered the client's handshake itself.
		log.Printf("ERROR: Session %s broker requested connection.secure, which cannot be proxied", s.id)
		s.sendCloseAndEnd(amqp.ReplyNotAllowed, "broker requested unsupported secure handshake")
		return false
	}

	switch s.phase {
	case phaseBrokerStart:
		if methodID != amqp.MethodConnectionStart {
			return s.unexpectedBrokerMethod(classID, methodID)
		}
		s.phase = phaseBrokerTune
		s.write(s.egress, s.startOk.Marshal(), nil)
		return true
	case phaseBrokerTune:
		if methodID != amqp.MethodConnectionTune {
			return s.unexpectedBrokerMethod(classID, methodID)
		}
		s.phase = phaseBrokerOpenOk
		replay := append(s.tuneOk.Marshal(), s.openFrame.Marshal()...)
		s.write(s.egress, replay, nil)
		return true
	case phaseBrokerOpenOk:
		if methodID != amqp.MethodConnectionOpenOk {
			return s.unexpectedBrokerMethod(classID, methodID)
		}
		s.phase = phasePumping
		s.setState(StateOpen)
		log.Printf("INFO: Session %s open: client %s vhost %q broker %s", s.id, s.clientAddr, s.vhostLocked(), s.brokerAddrLocked())
		s.write(s.ingress, f.Marshal(), func() { s.startPumping() })
		return false
	default:
		return s.unexpectedBrokerMethod(classID, methodID)
	}
}

func (s *Session) vhostLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vhost
}

func (s *Session) unexpectedBrokerMethod(classID, methodID uint16) bool {
	log.Printf("ERROR: Session %s unexpected method %d.%d from broker during handshake", s.id, classID, methodID)
	s.sendCloseAndEnd(amqp.ReplyInternalError, "broker handshake failed")
	return false
}

// startPumping switches to full-duplex passthrough. Bytes either peer
// pipelined beyond its handshake are flushed first so ordering holds.
func (s *Session) startPumping() {
	startIngress := func() { s.pump(s.ingress, s.egress) }
	if rest := s.clientScan.Rest(); len(rest) > 0 {
		s.write(s.egress, rest, startIngress)
	} else {
		startIngress()
	}
	startEgress := func() { s.pump(s.egress, s.ingress) }
	if rest := s.brokerScan.Rest(); len(rest) > 0 {
		s.write(s.ingress, rest, startEgress)
	} else {
		startEgress()
	}
}

// pump relays one direction: wait for readable bytes, collect them, write
// them to the other side, repeat. The pooled buffer stays out of the pool
// until the write completes.
func (s *Session) pump(src, dst *socket.Adaptor) {
	src.AsyncReadReady(func(n int, err error) {
		if s.closing {
			return
		}
		if err != nil {
			s.onStreamEnd(src, err)
			return
		}
		bufPtr := getBuffer()
		buf := *bufPtr
		nr, rerr := src.ReadSome(buf)
		if nr == 0 {
			putBuffer(bufPtr)
			if rerr != nil {
				s.onStreamEnd(src, rerr)
				return
			}
			s.pump(src, dst)
			return
		}
		s.touch()
		if src == s.ingress {
			s.bytesIn.Add(uint64(nr))
		}
		dst.AsyncWriteSome(buf[:nr], func(nw int, werr error) {
			putBuffer(bufPtr)
			if s.closing {
				return
			}
			if werr != nil {
				log.Printf("ERROR: Session %s relay write failed: %v", s.id, werr)
				s.teardownAbrupt()
				return
			}
			if dst == s.ingress {
				s.bytesOut.Add(uint64(nw))
			}
			if rerr != nil {
				s.onStreamEnd(src, rerr)
				return
			}
			s.pump(src, dst)
		})
	})
}

func (s *Session) onStreamEnd(src *socket.Adaptor, err error) {
	side := "client"
	if src == s.egress {
		side = "broker"
	}
	if errors.Is(err, io.EOF) {
		log.Printf("INFO: Session %s %s disconnected", s.id, side)
		s.teardownGraceful(side + " disconnected")
		return
	}
	log.Printf("ERROR: Session %s failed to read from %s: %v", s.id, side, err)
	s.teardownAbrupt()
}

// teardownGraceful shuts both legs down in an orderly way, bounded by
// closeGraceTimeout, then finishes the session.
func (s *Session) teardownGraceful(reason string) {
	if s.closing {
		return
	}
	s.closing = true
	s.setState(StateClosing)
	log.Printf("INFO: Session %s closing: %s", s.id, reason)

	s.idle.Cancel()
	s.idle.ExpiresAfter(closeGraceTimeout)
	s.idle.AsyncWait(func(err error) {
		if err == reactor.ErrAborted || s.finished {
			return
		}
		log.Printf("WARN: Session %s close grace period expired, dropping connections", s.id)
		s.finish()
	})

	pending := 1
	if s.egress != nil {
		pending = 2
	}
	done := func(err error) {
		if err != nil {
			log.Printf("DEBUG: Session %s shutdown returned error: %v", s.id, err)
		}
		pending--
		if pending == 0 {
			s.finish()
		}
	}
	s.ingress.AsyncShutdown(done)
	if s.egress != nil {
		s.egress.AsyncShutdown(done)
	}
}

// teardownAbrupt drops both legs immediately.
func (s *Session) teardownAbrupt() {
	if s.finished {
		return
	}
	s.closing = true
	s.finish()
}

func (s *Session) finish() {
	if s.finished {
		return
	}
	s.finished = true
	s.closing = true
	s.idle.Cancel()
	s.ingress.Destroy()
	s.ingress.Close()
	if s.egress != nil {
		s.egress.Destroy()
		s.egress.Close()
	}
	s.setState(StateClosed)
	log.Printf("INFO: Session %s closed: bytesIn=%d bytesOut=%d", s.id, s.bytesIn.Load(), s.bytesOut.Load())
	if s.onClose != nil {
		s.onClose(s)
	}
	s.loop.Stop()
}
