package socket

import (
	"net"

	"github.com/xansec/amqpprox/internal/reactor"
)

// Intercept is a scriptable Transport standing in for a real connection.
// Wire one in with NewInterceptedAdaptor to drive connection logic in
// tests without sockets. Each operation appends its name to Calls and
// consults the matching Func field; a nil Func means immediate success.
// Asynchronous completions are posted onto the loop like the real thing.
type Intercept struct {
	loop *reactor.Loop

	Secure bool
	Calls  []string

	Local  net.Addr
	Remote net.Addr

	ConnectFunc   func(addr string) error
	HandshakeFunc func(side HandshakeSide) error
	ShutdownFunc  func() error
	WriteFunc     func(p []byte) (int, error)
	ReadFunc      func(p []byte) (int, error)
	ReadyFunc     func() (int, error)
	AvailableFunc func() (int, error)
	OptionsFunc   func() error
	CloseFunc     func() error
}

// NewIntercept returns a double whose completions run on loop.
func NewIntercept(loop *reactor.Loop) *Intercept {
	return &Intercept{loop: loop}
}

func (i *Intercept) record(op string) {
	i.Calls = append(i.Calls, op)
}

func (i *Intercept) SetSecure(secure bool) {
	i.record("setSecure")
	i.Secure = secure
}

func (i *Intercept) SetDefaultOptions() error {
	i.record("setDefaultOptions")
	if i.OptionsFunc != nil {
		return i.OptionsFunc()
	}
	return nil
}

func (i *Intercept) RemoteEndpoint() (net.Addr, error) {
	if i.Remote == nil {
		return nil, errNotConnected
	}
	return i.Remote, nil
}

func (i *Intercept) LocalEndpoint() (net.Addr, error) {
	if i.Local == nil {
		return nil, errNotConnected
	}
	return i.Local, nil
}

func (i *Intercept) Close() error {
	i.record("close")
	if i.CloseFunc != nil {
		return i.CloseFunc()
	}
	return nil
}

func (i *Intercept) Available() (int, error) {
	i.record("available")
	if i.AvailableFunc != nil {
		return i.AvailableFunc()
	}
	return 0, nil
}

func (i *Intercept) AsyncConnect(addr string, handler Handler) {
	i.record("connect")
	var err error
	if i.ConnectFunc != nil {
		err = i.ConnectFunc(addr)
	}
	i.loop.Post(func() { handler(err) })
}

func (i *Intercept) AsyncHandshake(side HandshakeSide, handler Handler) {
	i.record("handshake")
	var err error
	if i.HandshakeFunc != nil {
		err = i.HandshakeFunc(side)
	}
	i.loop.Post(func() { handler(err) })
}

func (i *Intercept) AsyncShutdown(handler Handler) {
	i.record("shutdown")
	var err error
	if i.ShutdownFunc != nil {
		err = i.ShutdownFunc()
	}
	i.loop.Post(func() { handler(err) })
}

func (i *Intercept) AsyncWriteSome(p []byte, handler IOHandler) {
	i.record("write")
	n, err := len(p), error(nil)
	if i.WriteFunc != nil {
		n, err = i.WriteFunc(p)
	}
	i.loop.Post(func() { handler(n, err) })
}

func (i *Intercept) ReadSome(p []byte) (int, error) {
	i.record("read")
	if i.ReadFunc != nil {
		return i.ReadFunc(p)
	}
	return 0, nil
}

func (i *Intercept) AsyncReadReady(handler IOHandler) {
	i.record("readReady")
	n, err := 0, error(nil)
	if i.ReadyFunc != nil {
		n, err = i.ReadyFunc()
	}
	i.loop.Post(func() { handler(n, err) })
}
