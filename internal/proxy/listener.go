// Package proxy accepts client connections and turns each one into a
// session. Listeners optionally terminate TLS with manual certificates or
// ACME, and share an accept rate limiter plus a bounded worker pool.
package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/xansec/amqpprox/internal/backend"
	"github.com/xansec/amqpprox/internal/config"
	"github.com/xansec/amqpprox/internal/session"
)

// defaultPoolSize bounds concurrent sessions when the config does not.
const defaultPoolSize = 10000

// Listener accepts client connections on all configured addresses.
type Listener struct {
	config   *config.Config
	farms    *backend.Registry
	sessions *session.Registry
	acmeTLS  *tls.Config

	limiter *rate.Limiter
	pool    *ants.Pool

	wg        sync.WaitGroup
	mu        sync.Mutex
	listeners []net.Listener
	stopped   bool
}

// NewListener creates a listener serving sessions from the given registry.
// acmeTLS supplies certificates for listeners configured with an ACME
// hostname and may be nil when none are.
func NewListener(cfg *config.Config, farms *backend.Registry, sessions *session.Registry, acmeTLS *tls.Config) (*Listener, error) {
	poolSize := cfg.HandlerPoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create session worker pool: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.AcceptRatePerSecond > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = int(cfg.AcceptRatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSecond), burst)
	}

	return &Listener{
		config:    cfg,
		farms:     farms,
		sessions:  sessions,
		acmeTLS:   acmeTLS,
		limiter:   limiter,
		pool:      pool,
		listeners: make([]net.Listener, 0, len(cfg.Listeners)),
	}, nil
}

// Run starts every configured listener and blocks until all have stopped.
func (l *Listener) Run() {
	for _, lc := range l.config.Listeners {
		conf := lc
		l.wg.Add(1)
		go l.listenOn(&conf)
	}
	l.wg.Wait()
	log.Println("INFO: All client listeners have stopped.")
}

// Stop closes the listening sockets and releases the worker pool. Live
// sessions keep running; closing them is the session registry's job.
func (l *Listener) Stop() {
	log.Println("INFO: Stopping client listeners...")
	l.mu.Lock()
	l.stopped = true
	for _, lis := range l.listeners {
		lis.Close()
	}
	l.listeners = nil
	l.mu.Unlock()
	l.pool.Release()
}

// Addrs returns the bound addresses of the running listeners.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]net.Addr, 0, len(l.listeners))
	for _, lis := range l.listeners {
		addrs = append(addrs, lis.Addr())
	}
	return addrs
}

func (l *Listener) track(lis net.Listener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.listeners = append(l.listeners, lis)
	return true
}

func (l *Listener) listenOn(lc *config.ListenerConfig) {
	defer l.wg.Done()

	tlsConf, err := l.listenerTLSConfig(lc)
	if err != nil {
		log.Fatalf("FATAL: Listener %s TLS configuration failed: %v", lc.Address, err)
		return
	}

	tcpListener, err := net.Listen("tcp", lc.Address)
	if err != nil {
		log.Fatalf("FATAL: Failed to start listener on %s: %v", lc.Address, err)
		return
	}
	if !l.track(tcpListener) {
		tcpListener.Close()
		return
	}
	if tlsConf != nil {
		log.Printf("INFO: Client listener started on %s (TLS)", lc.Address)
	} else {
		log.Printf("INFO: Client listener started on %s", lc.Address)
	}

	for {
		conn, err := tcpListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ERROR: Failed to accept new connection on %s: %v", lc.Address, err)
			continue
		}
		if l.limiter != nil && !l.limiter.Allow() {
			log.Printf("WARN: Accept rate limit exceeded, dropping connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		l.dispatch(conn, lc, tlsConf)
	}
}

// dispatch registers a session for the accepted connection and hands it to
// the worker pool. Each live session occupies one worker, so the pool size
// is the concurrent session bound.
func (l *Listener) dispatch(conn net.Conn, lc *config.ListenerConfig, tlsConf *tls.Config) {
	limit, alarm := l.sessions.Defaults()
	sess := session.New(conn, l.farms, session.Options{
		TLSConfig:     tlsConf,
		DefaultFarm:   lc.DefaultFarm,
		ReadRateLimit: limit,
		ReadRateAlarm: alarm,
		IdleTimeout:   l.config.IdleTimeout(),
	})
	l.sessions.Add(sess)
	log.Printf("INFO: Accepted connection %s from %s on %s", sess.ID(), conn.RemoteAddr(), lc.Address)

	if err := l.pool.Submit(sess.Serve); err != nil {
		log.Printf("WARN: Worker pool rejected session %s, serving directly: %v", sess.ID(), err)
		go sess.Serve()
	}
}

func (l *Listener) listenerTLSConfig(lc *config.ListenerConfig) (*tls.Config, error) {
	switch {
	case lc.AcmeHostname != "":
		if l.acmeTLS == nil {
			return nil, fmt.Errorf("listener %s wants ACME but no certificate manager is configured", lc.Address)
		}
		return l.acmeTLS, nil
	case lc.TlsCertFile != "":
		cert, err := tls.LoadX509KeyPair(lc.TlsCertFile, lc.TlsKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates for %s: %w", lc.Address, err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	default:
		return nil, nil
	}
}
