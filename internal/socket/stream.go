package socket

import (
	"crypto/tls"
	"io"
	"log"
	"net"
	"time"

	"github.com/xansec/amqpprox/internal/reactor"
)

// dialTimeout bounds outbound connection establishment.
const dialTimeout = 10 * time.Second

// aLongTimeAgo is a time in the distant past used to force a pending read
// to fail immediately instead of blocking.
var aLongTimeAgo = time.Unix(1, 0)

// DualStream is the Transport variant backed by real connections: a raw
// net.Conn and, once a handshake has completed, a crypto/tls connection
// layered over the same handle. It tracks the target security mode
// (secured) and whether a handshake actually finished (handshook); reads
// and writes route through TLS only when both hold, which is what lets a
// caller write a plaintext preamble on a connection that is secured a
// moment later.
//
// All methods must be called on the owning loop; completion handlers are
// delivered back on it.
type DualStream struct {
	loop    *reactor.Loop
	tlsConf *tls.Config

	raw net.Conn
	tls *tls.Conn

	secured   bool
	handshook bool

	// One byte captured by a readiness probe on a layer that cannot
	// express a zero-length wait (TLS always; raw conns without poller
	// access). Delivered ahead of the next ReadSome.
	readAhead    byte
	readAheadSet bool
}

// NewDualStream returns an unconnected stream; AsyncConnect establishes the
// raw transport. tlsConf is used if and when a handshake is requested.
func NewDualStream(loop *reactor.Loop, tlsConf *tls.Config, secured bool) *DualStream {
	return &DualStream{loop: loop, tlsConf: tlsConf, secured: secured}
}

// WrapConn adopts an already-established connection, typically one returned
// by a listener's Accept.
func WrapConn(loop *reactor.Loop, conn net.Conn, tlsConf *tls.Config, secured bool) *DualStream {
	return &DualStream{loop: loop, tlsConf: tlsConf, raw: conn, secured: secured}
}

// SetSecure flips the target security mode. Once a handshake has completed
// the tunnel is not reversible and the call has no effect.
func (s *DualStream) SetSecure(secure bool) {
	if s.handshook {
		return
	}
	s.secured = secure
}

// Secured reports the target security mode.
func (s *DualStream) Secured() bool {
	return s.secured
}

// effectiveSecure reports whether I/O routes through the TLS layer. The
// handshook half of the condition exists because PROXY protocol preambles
// must be written to the socket outside the TLS tunnel.
func (s *DualStream) effectiveSecure() bool {
	return s.secured && s.handshook
}

// SetDefaultOptions applies the tuning every proxied connection wants: no
// Nagle batching and keep-alive probes. (The Go runtime already keeps
// sockets non-blocking.) It stops at the first failing step; failures are
// best-effort and callers typically only log them.
func (s *DualStream) SetDefaultOptions() error {
	if s.raw == nil {
		return errNotConnected
	}
	tcp, ok := s.raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(true); err != nil {
		log.Printf("DEBUG: Setting nodelay on socket returned error: %v", err)
		return err
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		log.Printf("DEBUG: Setting keepalive on socket returned error: %v", err)
		return err
	}
	return nil
}

// RemoteEndpoint reports the raw transport's peer address.
func (s *DualStream) RemoteEndpoint() (net.Addr, error) {
	if s.raw == nil {
		return nil, errNotConnected
	}
	return s.raw.RemoteAddr(), nil
}

// LocalEndpoint reports the raw transport's local address.
func (s *DualStream) LocalEndpoint() (net.Addr, error) {
	if s.raw == nil {
		return nil, errNotConnected
	}
	return s.raw.LocalAddr(), nil
}

// Close tears down the raw transport. TLS is a framing layer over the same
// handle, so any tunnel goes with it and pending reads unblock.
func (s *DualStream) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

// Available reports the byte count ReadSome can deliver without blocking.
// In effective-secure mode that is the lookahead byte when one is held; the
// TLS layer does not expose its decrypted buffer. In plain mode it is the
// kernel receive-queue length, plus a lookahead byte if the probe fallback
// captured one.
func (s *DualStream) Available() (int, error) {
	pending := 0
	if s.readAheadSet {
		pending = 1
	}
	if s.effectiveSecure() {
		return pending, nil
	}
	if s.raw == nil {
		return 0, errNotConnected
	}
	n, err := rawAvailable(s.raw)
	if err != nil {
		return pending, err
	}
	return pending + n, nil
}

// AsyncConnect establishes the raw transport to addr. Connection
// establishment always precedes any handshake, so it targets the plain
// transport regardless of mode.
func (s *DualStream) AsyncConnect(addr string, handler Handler) {
	go func() {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		s.loop.Post(func() {
			if err == nil {
				s.raw = conn
			}
			handler(err)
		})
	}()
}

// AsyncHandshake runs the TLS handshake when the stream is secured and
// completes handler on the loop; handshook flips only once the handshake
// has actually succeeded, so a failure leaves the stream still pending. On
// an unsecured stream it completes immediately with success, so callers
// need not special-case plaintext sessions.
func (s *DualStream) AsyncHandshake(side HandshakeSide, handler Handler) {
	if !s.secured {
		s.loop.Post(func() { handler(nil) })
		return
	}
	if s.raw == nil {
		s.loop.Post(func() { handler(errNotConnected) })
		return
	}
	var tconn *tls.Conn
	if side == HandshakeServer {
		tconn = tls.Server(s.raw, s.tlsConf)
	} else {
		tconn = tls.Client(s.raw, s.tlsConf)
	}
	go func() {
		err := tconn.Handshake()
		s.loop.Post(func() {
			if err == nil {
				s.tls = tconn
				s.handshook = true
			}
			handler(err)
		})
	}()
}

// AsyncShutdown closes the write side of the connection. In
// effective-secure mode the receive direction of the raw transport is shut
// down first, releasing a peer blocked mid-write without deadlocking the
// close-notify exchange, and the TLS close-notify is then sent off-loop. A
// plain transport has no asynchronous shutdown variant: both directions are
// shut down in place and the handler is invoked immediately with the
// result.
func (s *DualStream) AsyncShutdown(handler Handler) {
	if s.raw == nil {
		s.loop.Post(func() { handler(errNotConnected) })
		return
	}
	if s.effectiveSecure() {
		if err := shutdownReceive(s.raw); err != nil {
			log.Printf("DEBUG: Shutting down receive direction returned error: %v", err)
		}
		tconn := s.tls
		go func() {
			err := tconn.CloseWrite()
			s.loop.Post(func() { handler(err) })
		}()
		return
	}
	handler(shutdownBoth(s.raw))
}

// AsyncWriteSome writes p, through the TLS layer in effective-secure mode
// and directly otherwise, completing handler with the byte count and
// verbatim error. The caller must not touch p until the handler runs.
func (s *DualStream) AsyncWriteSome(p []byte, handler IOHandler) {
	var w io.Writer
	if s.effectiveSecure() {
		w = s.tls
	} else {
		if s.raw == nil {
			s.loop.Post(func() { handler(0, errNotConnected) })
			return
		}
		w = s.raw
	}
	go func() {
		n, err := w.Write(p)
		s.loop.Post(func() { handler(n, err) })
	}()
}

// ReadSome reads immediately deliverable bytes into p. A held lookahead
// byte is written first and only already-buffered bytes are drained after
// it; an error that produced zero additional bytes right after the
// lookahead byte was delivered is reported as a clean one-byte read,
// because the caller did make progress.
func (s *DualStream) ReadSome(p []byte) (int, error) {
	if s.effectiveSecure() {
		if s.readAheadSet && len(p) >= 1 {
			return s.spliceReadAhead(s.tls, p)
		}
		return s.tls.Read(p)
	}
	if s.raw == nil {
		return 0, errNotConnected
	}
	if s.readAheadSet && len(p) >= 1 {
		return s.spliceReadAhead(s.raw, p)
	}
	return s.raw.Read(p)
}

func (s *DualStream) spliceReadAhead(conn net.Conn, p []byte) (int, error) {
	p[0] = s.readAhead
	s.readAheadSet = false

	n, err := readBuffered(conn, p[1:])
	if err != nil && n == 0 {
		return 1, nil
	}
	return 1 + n, err
}

// readBuffered reads whatever conn already has decrypted or queued without
// waiting for the network: the read deadline is moved into the past so an
// empty buffer surfaces as a timeout instead of a block.
func readBuffered(conn net.Conn, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := conn.SetReadDeadline(aLongTimeAgo); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	if derr := conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	return n, err
}

// AsyncReadReady completes handler once the connection has bytes to read,
// without delivering them through the handler. Layers that cannot express a
// zero-length wait fall back to a one-byte read whose byte is parked in the
// lookahead cache for the next ReadSome; the handler then reports that byte
// as its count, the semantics a readiness probe's caller expects.
func (s *DualStream) AsyncReadReady(handler IOHandler) {
	if s.readAheadSet {
		// Probed again before collecting the previous byte; complete
		// immediately so the caller comes back through ReadSome.
		log.Printf("DEBUG: Readiness requested with a lookahead byte pending; completing immediately")
		s.loop.Post(func() { handler(0, nil) })
		return
	}
	if s.effectiveSecure() {
		s.readAheadFrom(s.tls, handler)
		return
	}
	if s.raw == nil {
		s.loop.Post(func() { handler(0, errNotConnected) })
		return
	}
	conn := s.raw
	go func() {
		handled, err := waitReadable(conn)
		if handled {
			s.loop.Post(func() { handler(0, err) })
			return
		}
		s.loop.Post(func() { s.readAheadFrom(conn, handler) })
	}()
}

// readAheadFrom reads a single byte off-loop and parks it in the lookahead
// cache, reporting the probe result to handler. A read may deliver its
// final byte and the terminal error together; the byte is kept and the
// error withheld so the caller collects the byte through ReadSome before
// the error resurfaces on the next probe.
func (s *DualStream) readAheadFrom(r io.Reader, handler IOHandler) {
	go func() {
		var one [1]byte
		n, err := r.Read(one[:])
		s.loop.Post(func() {
			if n != 0 {
				s.readAhead = one[0]
				s.readAheadSet = true
				err = nil
			}
			handler(n, err)
		})
	}()
}

// halfCloser is satisfied by connections supporting directional shutdown,
// such as *net.TCPConn.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func shutdownReceive(conn net.Conn) error {
	if hc, ok := conn.(halfCloser); ok {
		return hc.CloseRead()
	}
	return nil
}

func shutdownBoth(conn net.Conn) error {
	hc, ok := conn.(halfCloser)
	if !ok {
		return nil
	}
	rerr := hc.CloseRead()
	werr := hc.CloseWrite()
	if rerr != nil {
		return rerr
	}
	return werr
}
