// Package amqp carries just enough AMQP 0-9-1 wire knowledge to terminate a
// connection prologue and route it: the protocol header, the frame codec and
// the connection-class methods exchanged before traffic turns into opaque
// passthrough.
package amqp

import "bytes"

// protocolHeader opens every AMQP 0-9-1 connection.
var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// HeaderLen is the length of the protocol header.
const HeaderLen = 8

// ProtocolHeader returns the 8-byte connection preamble.
func ProtocolHeader() []byte {
	out := make([]byte, HeaderLen)
	copy(out, protocolHeader)
	return out
}

// IsProtocolHeader reports whether p is exactly the 0-9-1 preamble.
func IsProtocolHeader(p []byte) bool {
	return bytes.Equal(p, protocolHeader)
}

// Frame types.
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8

	// FrameEnd terminates every frame.
	FrameEnd = 0xCE
)

// Connection class and its methods; the only ones the proxy interprets.
const (
	ClassConnection = 10

	MethodConnectionStart    = 10
	MethodConnectionStartOk  = 11
	MethodConnectionSecure   = 20
	MethodConnectionSecureOk = 21
	MethodConnectionTune     = 30
	MethodConnectionTuneOk   = 31
	MethodConnectionOpen     = 40
	MethodConnectionOpenOk   = 41
	MethodConnectionClose    = 50
	MethodConnectionCloseOk  = 51
)

// Reply codes used when the proxy closes a connection itself.
const (
	ReplyConnectionForced = 320
	ReplyNotAllowed       = 530
	ReplyInternalError    = 541
)

// Limits offered in the proxy's Tune method. Brokers may negotiate these
// down with the client; the proxy only relays the agreement.
const (
	DefaultChannelMax = 2047
	DefaultFrameMax   = 131072
	DefaultHeartbeat  = 60
)
