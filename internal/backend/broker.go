// Package backend models the broker fleet: individual brokers, weighted
// farms of them, and the registry mapping virtual hosts to farms.
package backend

import (
	"net"
	"strconv"
)

// Broker is one AMQP endpoint a farm can place sessions on.
type Broker struct {
	Name string
	Host string
	Port int

	// TLS requires a client-side handshake towards the broker.
	TLS bool
	// ProxyProtocol prefixes the connection with a PROXY v1 preamble so the
	// broker sees the original client address.
	ProxyProtocol bool

	Weight int
}

// Address returns the dialable host:port.
func (b *Broker) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}
