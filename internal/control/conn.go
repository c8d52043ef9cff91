package control

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xansec/amqpprox/internal/auth"
	"github.com/xansec/amqpprox/internal/iface"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 64 * 1024
)

// controlConn is one authenticated operator connection.
type controlConn struct {
	ws       *websocket.Conn
	sessions iface.SessionManager
	claims   *auth.Claims

	outgoing  chan []byte
	quit      chan struct{}
	closeOnce sync.Once
}

func newControlConn(ws *websocket.Conn, sessions iface.SessionManager, claims *auth.Claims) *controlConn {
	return &controlConn{
		ws:       ws,
		sessions: sessions,
		claims:   claims,
		outgoing: make(chan []byte, 16),
		quit:     make(chan struct{}),
	}
}

// run services the connection until either pump fails.
func (c *controlConn) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	wg.Wait()
}

func (c *controlConn) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.ws.Close()
	})
}

func (c *controlConn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(maxCommandSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WARN: Control connection %s closed unexpectedly: %v", c.ws.RemoteAddr(), err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			log.Printf("WARN: Unsupported websocket message type %d on control connection", messageType)
			continue
		}
		c.handleCommand(message)
	}
}

func (c *controlConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("ERROR: Failed to write control response to %s: %v", c.ws.RemoteAddr(), err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *controlConn) send(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("ERROR: Failed to marshal control response: %v", err)
		return
	}
	select {
	case <-c.quit:
	case c.outgoing <- payload:
	}
}

func (c *controlConn) handleCommand(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.send(Response{Error: fmt.Sprintf("malformed command: %v", err)})
		return
	}
	c.send(c.dispatch(cmd))
}

func (c *controlConn) dispatch(cmd Command) Response {
	if writableAction(cmd.Action) && !c.claims.CanWrite() {
		return Response{Error: fmt.Sprintf("role %s may not %s", c.claims.Role, cmd.Action)}
	}

	switch cmd.Action {
	case ActionPing:
		return Response{OK: true, Message: "pong"}

	case ActionListSessions:
		return Response{OK: true, Sessions: c.sessions.ListSessions()}

	case ActionSessionStats:
		stats, err := c.sessions.SessionStats(cmd.SessionID)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Session: &stats}

	case ActionSetRateLimit:
		if err := c.sessions.SetReadRateLimit(cmd.SessionID, cmd.Value); err != nil {
			return Response{Error: err.Error()}
		}
		log.Printf("INFO: Control client %s set read rate limit to %d B/s for %s", c.ws.RemoteAddr(), cmd.Value, describeTarget(cmd))
		return Response{OK: true, Message: fmt.Sprintf("read rate limit set to %d B/s for %s", cmd.Value, describeTarget(cmd))}

	case ActionSetRateAlarm:
		if err := c.sessions.SetReadRateAlarm(cmd.SessionID, cmd.Value); err != nil {
			return Response{Error: err.Error()}
		}
		log.Printf("INFO: Control client %s set read rate alarm to %d B/s for %s", c.ws.RemoteAddr(), cmd.Value, describeTarget(cmd))
		return Response{OK: true, Message: fmt.Sprintf("read rate alarm set to %d B/s for %s", cmd.Value, describeTarget(cmd))}

	case ActionCloseSession:
		if err := c.sessions.CloseSession(cmd.SessionID); err != nil {
			return Response{Error: err.Error()}
		}
		log.Printf("INFO: Control client %s requested close of session %s", c.ws.RemoteAddr(), cmd.SessionID)
		return Response{OK: true, Message: fmt.Sprintf("session %s closing", cmd.SessionID)}

	case ActionProcStats:
		return Response{OK: true, Proc: collectProcStats(len(c.sessions.ListSessions()))}

	default:
		return Response{Error: fmt.Sprintf("unknown action %q", cmd.Action)}
	}
}

func describeTarget(cmd Command) string {
	if cmd.SessionID == "" {
		return "all sessions"
	}
	return "session " + cmd.SessionID
}
