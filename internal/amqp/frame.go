package amqp

import (
	"encoding/binary"
	"fmt"
)

// frameOverhead is the 7-byte header plus the frame-end octet.
const frameOverhead = 8

// Frame is one AMQP frame. Payload excludes the header and end octet.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// Marshal encodes the frame exactly as it travels on the wire.
func (f *Frame) Marshal() []byte {
	out := make([]byte, 7+len(f.Payload)+1)
	out[0] = f.Type
	binary.BigEndian.PutUint16(out[1:3], f.Channel)
	binary.BigEndian.PutUint32(out[3:7], uint32(len(f.Payload)))
	copy(out[7:], f.Payload)
	out[7+len(f.Payload)] = FrameEnd
	return out
}

// MethodID extracts the class and method ids from a method frame payload.
// ok is false when the payload is too short to carry them.
func MethodID(payload []byte) (classID, methodID uint16, ok bool) {
	if len(payload) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), true
}

// Scanner incrementally splits a byte stream into frames. Feed it the bytes
// as they arrive and call Next until it reports an incomplete frame; Rest
// hands back whatever is buffered, used when the caller stops parsing and
// switches to passthrough.
type Scanner struct {
	buf      []byte
	maxFrame uint32
}

// NewScanner returns a scanner rejecting frames whose payload exceeds
// maxFrame bytes. Zero means DefaultFrameMax.
func NewScanner(maxFrame uint32) *Scanner {
	if maxFrame == 0 {
		maxFrame = DefaultFrameMax
	}
	return &Scanner{maxFrame: maxFrame}
}

// Feed appends newly received bytes.
func (s *Scanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more bytes are
// needed. Errors are fatal to the stream; the scanner must not be fed
// again after one.
func (s *Scanner) Next() (*Frame, error) {
	if len(s.buf) < 7 {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(s.buf[3:7])
	if size > s.maxFrame {
		return nil, fmt.Errorf("amqp: frame payload of %d bytes exceeds maximum %d", size, s.maxFrame)
	}
	total := int(size) + frameOverhead
	if len(s.buf) < total {
		return nil, nil
	}
	if end := s.buf[total-1]; end != FrameEnd {
		return nil, fmt.Errorf("amqp: frame not terminated by end octet, got 0x%02X", end)
	}
	f := &Frame{
		Type:    s.buf[0],
		Channel: binary.BigEndian.Uint16(s.buf[1:3]),
		Payload: append([]byte(nil), s.buf[7:total-1]...),
	}
	s.buf = s.buf[total:]
	return f, nil
}

// Rest returns the bytes buffered beyond the last complete frame and resets
// the scanner.
func (s *Scanner) Rest() []byte {
	rest := s.buf
	s.buf = nil
	return rest
}

// Buffered reports how many bytes are held.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}
