package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xansec/amqpprox/internal/auth"
	"github.com/xansec/amqpprox/internal/iface"
)

const authTimeout = 10 * time.Second

// Server exposes the /control websocket endpoint.
type Server struct {
	addr      string
	sessions  iface.SessionManager
	validator auth.Validator
	tlsConf   *tls.Config

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the control endpoint to the session manager. A nil
// tlsConf serves plain HTTP, which only belongs on loopback.
func NewServer(addr string, sessions iface.SessionManager, validator auth.Validator, tlsConf *tls.Config) *Server {
	return &Server{
		addr:      addr,
		sessions:  sessions,
		validator: validator,
		tlsConf:   tlsConf,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the endpoint's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	return mux
}

// Run starts serving the control endpoint. It does not block.
func (s *Server) Run() {
	s.httpServer = &http.Server{
		Addr:      s.addr,
		Handler:   s.Handler(),
		TLSConfig: s.tlsConf,
	}
	log.Printf("INFO: Control endpoint listening on %s", s.addr)
	go func() {
		var err error
		if s.tlsConf != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: Control endpoint failed to start: %v", err)
		}
	}()
}

// Shutdown stops accepting control connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: Failed to upgrade control connection: %v", err)
		return
	}

	claims, err := s.authenticate(conn)
	if err != nil {
		log.Printf("WARN: Control authentication failed for %s: %v", conn.RemoteAddr(), err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
	log.Printf("INFO: Control client %s authenticated with role %s", conn.RemoteAddr(), claims.Role)

	c := newControlConn(conn, s.sessions, claims)
	c.run()
}

// authenticate expects the connection's first frame to be a text frame
// carrying a JWT.
func (s *Server) authenticate(conn *websocket.Conn) (*auth.Claims, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return nil, fmt.Errorf("set auth read deadline: %w", err)
	}
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read auth token: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("reset read deadline after auth: %w", err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("expected text frame for auth token, got type %d", messageType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	claims, err := s.validator.Validate(ctx, string(payload))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return claims, nil
}
