package session

import (
	"fmt"
	"net"
)

// proxyV1Preamble formats the PROXY protocol v1 line announcing the original
// client to a broker. src is the client's remote address, dst the listener
// address the client connected to. Non-TCP or mixed-family endpoints degrade
// to the UNKNOWN form, which PROXY-aware brokers accept and ignore.
func proxyV1Preamble(src, dst net.Addr) []byte {
	s, sok := src.(*net.TCPAddr)
	d, dok := dst.(*net.TCPAddr)
	if !sok || !dok {
		return []byte("PROXY UNKNOWN\r\n")
	}
	s4, d4 := s.IP.To4(), d.IP.To4()
	switch {
	case s4 != nil && d4 != nil:
		return []byte(fmt.Sprintf("PROXY TCP4 %s %s %d %d\r\n", s4, d4, s.Port, d.Port))
	case s4 == nil && d4 == nil:
		return []byte(fmt.Sprintf("PROXY TCP6 %s %s %d %d\r\n", s.IP, d.IP, s.Port, d.Port))
	default:
		return []byte("PROXY UNKNOWN\r\n")
	}
}
