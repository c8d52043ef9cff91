// Package control terminates the operator websocket endpoint. Clients
// authenticate with a JWT in their first frame and then exchange JSON
// commands inspecting and steering live sessions.
package control

import "github.com/xansec/amqpprox/internal/iface"

// Actions accepted on a control connection.
const (
	ActionPing         = "ping"
	ActionListSessions = "list_sessions"
	ActionSessionStats = "session_stats"
	ActionSetRateLimit = "set_rate_limit"
	ActionSetRateAlarm = "set_rate_alarm"
	ActionCloseSession = "close_session"
	ActionProcStats    = "proc_stats"
)

// writableAction reports whether an action mutates proxy state and thus
// needs an admin token.
func writableAction(action string) bool {
	switch action {
	case ActionSetRateLimit, ActionSetRateAlarm, ActionCloseSession:
		return true
	}
	return false
}

// Command is one JSON request frame on a control connection.
type Command struct {
	Action string `json:"action"`
	// SessionID selects the target session. The set actions accept an empty
	// id to mean every live session plus the default for future ones.
	SessionID string `json:"sessionId,omitempty"`
	// Value is the bytes-per-second budget for the set actions.
	Value uint64 `json:"value,omitempty"`
}

// Response answers exactly one Command.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Message  string               `json:"message,omitempty"`
	Sessions []iface.SessionStats `json:"sessions,omitempty"`
	Session  *iface.SessionStats  `json:"session,omitempty"`
	Proc     *ProcStats           `json:"proc,omitempty"`
}

// ProcStats reports resource usage of the proxy process and its host.
type ProcStats struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryRSS     uint64  `json:"memoryRss"`
	MemoryPercent float32 `json:"memoryPercent"`
	NumFDs        int32   `json:"numFds"`
	NumGoroutine  int     `json:"numGoroutine"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	LiveSessions  int     `json:"liveSessions"`

	HostCPUPercent     float64 `json:"hostCpuPercent"`
	HostMemUsedPercent float64 `json:"hostMemUsedPercent"`
	Load1              float64 `json:"load1"`
	Load5              float64 `json:"load5"`
	Load15             float64 `json:"load15"`
}
