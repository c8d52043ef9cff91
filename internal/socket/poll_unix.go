//go:build unix

package socket

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitReadable parks until conn's descriptor is readable, without consuming
// bytes. handled is false when conn exposes no descriptor to poll, in which
// case the caller falls back to the one-byte lookahead read.
func waitReadable(conn net.Conn) (handled bool, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return false, nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false, err
	}
	polled := false
	err = rc.Read(func(fd uintptr) bool {
		if !polled {
			// First invocation happens immediately; returning false parks
			// us in the runtime poller until the descriptor is readable.
			polled = true
			return false
		}
		return true
	})
	return true, err
}

// rawAvailable reports the kernel receive-queue length for conn, or 0 when
// conn exposes no descriptor to query.
func rawAvailable(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n        int
		ioctlErr error
	)
	if err := rc.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), unix.SIOCINQ)
	}); err != nil {
		return 0, err
	}
	return n, ioctlErr
}
