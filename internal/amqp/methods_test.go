package amqp

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestProtocolHeader(t *testing.T) {
	h := ProtocolHeader()
	if len(h) != HeaderLen {
		t.Fatalf("header length %d", len(h))
	}
	if !IsProtocolHeader(h) {
		t.Fatal("own header must validate")
	}
	h[7] = 0 // 0-9-0
	if IsProtocolHeader(h) {
		t.Fatal("other revisions must not validate")
	}
	if IsProtocolHeader(h[:7]) {
		t.Fatal("short header must not validate")
	}
}

func TestConnectionStartFrame(t *testing.T) {
	f := NewConnectionStartFrame()
	if f.Type != FrameMethod || f.Channel != 0 {
		t.Fatalf("start frame header: %+v", f)
	}
	classID, methodID, ok := MethodID(f.Payload)
	if !ok || classID != ClassConnection || methodID != MethodConnectionStart {
		t.Fatalf("start ids: class=%d method=%d", classID, methodID)
	}
	if f.Payload[4] != 0 || f.Payload[5] != 9 {
		t.Fatalf("advertised version %d-%d", f.Payload[4], f.Payload[5])
	}
	if !bytes.Contains(f.Payload, []byte("PLAIN")) {
		t.Fatal("mechanisms must offer PLAIN")
	}
	if !bytes.Contains(f.Payload, []byte("amqpprox")) {
		t.Fatal("server properties must name the proxy")
	}
}

func TestConnectionTuneFrameEncodesLimits(t *testing.T) {
	f := NewConnectionTuneFrame(DefaultChannelMax, DefaultFrameMax, DefaultHeartbeat)
	p := f.Payload
	if got := binary.BigEndian.Uint16(p[4:6]); got != DefaultChannelMax {
		t.Errorf("channel max %d", got)
	}
	if got := binary.BigEndian.Uint32(p[6:10]); got != DefaultFrameMax {
		t.Errorf("frame max %d", got)
	}
	if got := binary.BigEndian.Uint16(p[10:12]); got != DefaultHeartbeat {
		t.Errorf("heartbeat %d", got)
	}
}

func buildOpenPayload(vhost string) []byte {
	buf := methodPayload(ClassConnection, MethodConnectionOpen)
	writeShortstr(buf, vhost)
	writeShortstr(buf, "") // reserved capabilities
	buf.WriteByte(0)       // reserved insist
	return buf.Bytes()
}

func TestOpenVirtualHost(t *testing.T) {
	vhost, err := OpenVirtualHost(buildOpenPayload("/prod"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if vhost != "/prod" {
		t.Fatalf("vhost = %q", vhost)
	}

	if _, err := OpenVirtualHost(NewConnectionOpenOkFrame().Payload); err == nil {
		t.Fatal("open-ok must not parse as open")
	}

	truncated := buildOpenPayload("/prod")[:6]
	if _, err := OpenVirtualHost(truncated); err == nil ||
		!strings.Contains(err.Error(), "truncated") {
		t.Fatalf("expected truncation error, got %v", err)
	}
}

func TestConnectionCloseFrame(t *testing.T) {
	f := NewConnectionCloseFrame(ReplyNotAllowed, "vhost unreachable")
	p := f.Payload
	classID, methodID, _ := MethodID(p)
	if classID != ClassConnection || methodID != MethodConnectionClose {
		t.Fatalf("close ids: class=%d method=%d", classID, methodID)
	}
	if got := binary.BigEndian.Uint16(p[4:6]); got != ReplyNotAllowed {
		t.Errorf("reply code %d", got)
	}
	text := string(p[7 : 7+int(p[6])])
	if text != "vhost unreachable" {
		t.Errorf("reply text %q", text)
	}
}
