package socket

import (
	"errors"
	"net"
)

// Handler receives the completion of an asynchronous control operation
// (connect, handshake, shutdown). Handlers run on the owning loop.
type Handler func(err error)

// IOHandler receives the completion of an asynchronous transfer: the number
// of bytes moved and the verbatim transport error, if any. Handlers run on
// the owning loop.
type IOHandler func(n int, err error)

// HandshakeSide selects which role a TLS handshake plays.
type HandshakeSide int

const (
	// HandshakeClient initiates the handshake, as the outbound side of a
	// proxied connection does towards a broker.
	HandshakeClient HandshakeSide = iota
	// HandshakeServer answers the handshake, as the listener side does.
	HandshakeServer
)

// Transport is the substitutable socket surface every adaptor operation is
// dispatched through. Two implementations ship: DualStream, backed by real
// connections and crypto/tls, and Intercept, a deterministic double that
// lets tests script socket behavior without networks or keys. The variant
// is chosen at construction and never changes.
type Transport interface {
	// SetSecure flips the target security mode. It has no effect once a
	// handshake has completed.
	SetSecure(secure bool)

	// SetDefaultOptions applies best-effort socket tuning, stopping at the
	// first failing step.
	SetDefaultOptions() error

	// RemoteEndpoint and LocalEndpoint report the raw transport's
	// addressing, independent of TLS state.
	RemoteEndpoint() (net.Addr, error)
	LocalEndpoint() (net.Addr, error)

	// Close tears down the raw transport; TLS is a framing layer over the
	// same handle and goes with it.
	Close() error

	// Available reports how many bytes ReadSome can deliver without
	// blocking.
	Available() (int, error)

	// AsyncConnect establishes the raw transport to addr and completes
	// handler on the loop.
	AsyncConnect(addr string, handler Handler)

	// AsyncHandshake performs the TLS handshake when secured, completing
	// immediately with success otherwise.
	AsyncHandshake(side HandshakeSide, handler Handler)

	// AsyncShutdown closes the write side: via TLS close-notify in
	// effective-secure mode, synchronously on a plain transport.
	AsyncShutdown(handler Handler)

	// AsyncWriteSome writes p and completes handler with the byte count
	// and verbatim error.
	AsyncWriteSome(p []byte, handler IOHandler)

	// ReadSome reads immediately deliverable bytes into p.
	ReadSome(p []byte) (int, error)

	// AsyncReadReady completes handler once the connection has bytes to
	// read. It delivers at most one byte itself (via the lookahead cache,
	// on layers that cannot express a zero-length wait); the data is
	// collected with ReadSome.
	AsyncReadReady(handler IOHandler)
}

var errNotConnected = errors.New("socket: not connected")
