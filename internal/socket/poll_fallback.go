//go:build !unix

package socket

import "net"

// On platforms without raw descriptor access both capabilities degrade to
// the one-byte lookahead path.

func waitReadable(conn net.Conn) (handled bool, err error) {
	return false, nil
}

func rawAvailable(conn net.Conn) (int, error) {
	return 0, nil
}
