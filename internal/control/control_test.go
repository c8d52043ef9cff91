package control_test

import (
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xansec/amqpprox/internal/auth"
	"github.com/xansec/amqpprox/internal/control"
	"github.com/xansec/amqpprox/internal/iface"
)

const testSecret = "control-test-secret"

// stubManager records control-plane calls for assertions.
type stubManager struct {
	mu     sync.Mutex
	stats  map[string]iface.SessionStats
	limits map[string]uint64
	alarms map[string]uint64
	closed []string
}

func newStubManager(ids ...string) *stubManager {
	m := &stubManager{
		stats:  make(map[string]iface.SessionStats),
		limits: make(map[string]uint64),
		alarms: make(map[string]uint64),
	}
	for i, id := range ids {
		m.stats[id] = iface.SessionStats{
			ID:          id,
			VirtualHost: "/",
			State:       "open",
			StartedAt:   time.Now().Add(time.Duration(i) * time.Second),
		}
	}
	return m
}

func (m *stubManager) ListSessions() []iface.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]iface.SessionStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	return out
}

func (m *stubManager) SessionStats(id string) (iface.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[id]
	if !ok {
		return iface.SessionStats{}, fmt.Errorf("no session %s", id)
	}
	return s, nil
}

func (m *stubManager) SetReadRateLimit(id string, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if _, ok := m.stats[id]; !ok {
			return fmt.Errorf("no session %s", id)
		}
	}
	m.limits[id] = v
	return nil
}

func (m *stubManager) SetReadRateAlarm(id string, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if _, ok := m.stats[id]; !ok {
			return fmt.Errorf("no session %s", id)
		}
	}
	m.alarms[id] = v
	return nil
}

func (m *stubManager) CloseSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stats[id]; !ok {
		return fmt.Errorf("no session %s", id)
	}
	m.closed = append(m.closed, id)
	return nil
}

func (m *stubManager) limit(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.limits[id]
	return v, ok
}

func (m *stubManager) closedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

// dialControl connects to a test control server and authenticates with a
// freshly minted token for the given role.
func dialControl(t *testing.T, mgr iface.SessionManager, role string) *websocket.Conn {
	t.Helper()
	validator, err := auth.NewValidator(testSecret)
	require.NoError(t, err)

	srv := control.NewServer("", mgr, validator, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/control"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	token, err := auth.NewToken(testSecret, role, time.Minute)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(token)))
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, cmd control.Command) control.Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
	var resp control.Response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestControlPingAndListSessions(t *testing.T) {
	mgr := newStubManager("s1", "s2")
	conn := dialControl(t, mgr, auth.RoleAdmin)

	resp := roundTrip(t, conn, control.Command{Action: control.ActionPing})
	require.True(t, resp.OK)
	require.Equal(t, "pong", resp.Message)

	resp = roundTrip(t, conn, control.Command{Action: control.ActionListSessions})
	require.True(t, resp.OK)
	require.Len(t, resp.Sessions, 2)
}

func TestControlSessionStats(t *testing.T) {
	mgr := newStubManager("s1")
	conn := dialControl(t, mgr, auth.RoleReadOnly)

	resp := roundTrip(t, conn, control.Command{Action: control.ActionSessionStats, SessionID: "s1"})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Session)
	require.Equal(t, "s1", resp.Session.ID)

	resp = roundTrip(t, conn, control.Command{Action: control.ActionSessionStats, SessionID: "nope"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "no session")
}

func TestControlWriteActions(t *testing.T) {
	mgr := newStubManager("s1")
	conn := dialControl(t, mgr, auth.RoleAdmin)

	resp := roundTrip(t, conn, control.Command{Action: control.ActionSetRateLimit, Value: 4096})
	require.True(t, resp.OK, resp.Error)
	v, ok := mgr.limit("")
	require.True(t, ok)
	require.Equal(t, uint64(4096), v)

	resp = roundTrip(t, conn, control.Command{Action: control.ActionSetRateAlarm, SessionID: "s1", Value: 1024})
	require.True(t, resp.OK, resp.Error)

	resp = roundTrip(t, conn, control.Command{Action: control.ActionCloseSession, SessionID: "s1"})
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, []string{"s1"}, mgr.closedIDs())
}

func TestControlReadOnlyCannotWrite(t *testing.T) {
	mgr := newStubManager("s1")
	conn := dialControl(t, mgr, auth.RoleReadOnly)

	resp := roundTrip(t, conn, control.Command{Action: control.ActionCloseSession, SessionID: "s1"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "may not")
	require.Empty(t, mgr.closedIDs())

	// Reads still work on the same connection.
	resp = roundTrip(t, conn, control.Command{Action: control.ActionPing})
	require.True(t, resp.OK)
}

func TestControlRejectsBadToken(t *testing.T) {
	mgr := newStubManager()
	validator, err := auth.NewValidator(testSecret)
	require.NoError(t, err)

	srv := control.NewServer("", mgr, validator, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/control"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not-a-jwt")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestControlUnknownAction(t *testing.T) {
	mgr := newStubManager()
	conn := dialControl(t, mgr, auth.RoleAdmin)

	resp := roundTrip(t, conn, control.Command{Action: "frobnicate"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown action")
}

func TestControlProcStats(t *testing.T) {
	mgr := newStubManager("s1")
	conn := dialControl(t, mgr, auth.RoleReadOnly)

	resp := roundTrip(t, conn, control.Command{Action: control.ActionProcStats})
	require.True(t, resp.OK, resp.Error)
	require.NotNil(t, resp.Proc)
	require.Equal(t, int32(os.Getpid()), resp.Proc.PID)
	require.Equal(t, 1, resp.Proc.LiveSessions)
	require.Positive(t, resp.Proc.NumGoroutine)
}
