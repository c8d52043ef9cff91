package iface

import "time"

// SessionStats is a point-in-time snapshot of one proxied connection.
type SessionStats struct {
	ID            string    `json:"id"`
	VirtualHost   string    `json:"virtualHost"`
	Farm          string    `json:"farm"`
	Broker        string    `json:"broker"`
	ClientAddress string    `json:"clientAddress"`
	BrokerAddress string    `json:"brokerAddress"`
	Secured       bool      `json:"secured"`
	State         string    `json:"state"`
	BytesIn       uint64    `json:"bytesIn"`
	BytesOut      uint64    `json:"bytesOut"`
	ReadRateLimit uint64    `json:"readRateLimit"`
	ReadRateAlarm uint64    `json:"readRateAlarm"`
	StartedAt     time.Time `json:"startedAt"`
}

// SessionManager is the surface the control plane drives live sessions
// through.
type SessionManager interface {
	ListSessions() []SessionStats
	SessionStats(id string) (SessionStats, error)

	// SetReadRateLimit and SetReadRateAlarm retune the per-second inbound
	// byte budgets. An empty id applies to every live session and becomes
	// the default for sessions accepted later.
	SetReadRateLimit(id string, bytesPerSecond uint64) error
	SetReadRateAlarm(id string, bytesPerSecond uint64) error

	CloseSession(id string) error
}
