package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// methodPayload starts a method frame payload with its class and method ids.
func methodPayload(classID, methodID uint16) *bytes.Buffer {
	buf := &bytes.Buffer{}
	writeUint16(buf, classID)
	writeUint16(buf, methodID)
	return buf
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeShortstr(buf *bytes.Buffer, s string) {
	if len(s) > 255 {
		// Shortstr length rides in one octet.
		s = s[:255]
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func writeLongstr(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// writeStringTable encodes a field table whose values are all long strings,
// in the order given. That covers the server-properties the proxy presents.
func writeStringTable(buf *bytes.Buffer, pairs [][2]string) {
	body := &bytes.Buffer{}
	for _, kv := range pairs {
		writeShortstr(body, kv[0])
		body.WriteByte('S')
		writeLongstr(body, kv[1])
	}
	writeUint32(buf, uint32(body.Len()))
	buf.Write(body.Bytes())
}

// NewConnectionStartFrame builds the Start method the proxy sends a client
// before any broker is chosen. Mechanisms and locales mirror what common
// brokers offer; the broker's own Start never reaches the client.
func NewConnectionStartFrame() *Frame {
	buf := methodPayload(ClassConnection, MethodConnectionStart)
	buf.WriteByte(0) // version-major
	buf.WriteByte(9) // version-minor
	writeStringTable(buf, [][2]string{
		{"product", "amqpprox"},
		{"version", "1.0.0"},
		{"platform", "Go"},
		{"information", "AMQP proxy"},
	})
	writeLongstr(buf, "PLAIN AMQPLAIN")
	writeLongstr(buf, "en_US")
	return &Frame{Type: FrameMethod, Channel: 0, Payload: buf.Bytes()}
}

// NewConnectionTuneFrame builds the Tune method offering the given limits.
func NewConnectionTuneFrame(channelMax uint16, frameMax uint32, heartbeat uint16) *Frame {
	buf := methodPayload(ClassConnection, MethodConnectionTune)
	writeUint16(buf, channelMax)
	writeUint32(buf, frameMax)
	writeUint16(buf, heartbeat)
	return &Frame{Type: FrameMethod, Channel: 0, Payload: buf.Bytes()}
}

// NewConnectionOpenOkFrame builds the OpenOk completing a client's Open.
func NewConnectionOpenOkFrame() *Frame {
	buf := methodPayload(ClassConnection, MethodConnectionOpenOk)
	writeShortstr(buf, "") // reserved known-hosts
	return &Frame{Type: FrameMethod, Channel: 0, Payload: buf.Bytes()}
}

// NewConnectionCloseFrame builds a Close the proxy sends when it must end
// the connection itself, such as an unroutable virtual host.
func NewConnectionCloseFrame(replyCode uint16, replyText string) *Frame {
	buf := methodPayload(ClassConnection, MethodConnectionClose)
	writeUint16(buf, replyCode)
	writeShortstr(buf, replyText)
	writeUint16(buf, 0) // failing class id
	writeUint16(buf, 0) // failing method id
	return &Frame{Type: FrameMethod, Channel: 0, Payload: buf.Bytes()}
}

// NewConnectionCloseOkFrame builds the CloseOk acknowledging a Close.
func NewConnectionCloseOkFrame() *Frame {
	buf := methodPayload(ClassConnection, MethodConnectionCloseOk)
	return &Frame{Type: FrameMethod, Channel: 0, Payload: buf.Bytes()}
}

// OpenVirtualHost extracts the virtual-host from a Connection.Open method
// payload. The proxy routes on it and otherwise relays the frame untouched.
func OpenVirtualHost(payload []byte) (string, error) {
	classID, methodID, ok := MethodID(payload)
	if !ok {
		return "", fmt.Errorf("amqp: method payload truncated at %d bytes", len(payload))
	}
	if classID != ClassConnection || methodID != MethodConnectionOpen {
		return "", fmt.Errorf("amqp: expected connection.open, got class %d method %d", classID, methodID)
	}
	if len(payload) < 5 {
		return "", fmt.Errorf("amqp: connection.open payload truncated at %d bytes", len(payload))
	}
	n := int(payload[4])
	if len(payload) < 5+n {
		return "", fmt.Errorf("amqp: connection.open virtual-host truncated, want %d bytes have %d", n, len(payload)-5)
	}
	return string(payload[5 : 5+n]), nil
}
