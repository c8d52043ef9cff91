package session

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xansec/amqpprox/internal/iface"
)

// Registry tracks the live sessions and applies control-plane commands to
// them. It also holds the default read budgets handed to newly accepted
// sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	defaultLimit atomic.Uint64
	defaultAlarm atomic.Uint64
}

var _ iface.SessionManager = (*Registry)(nil)

// NewRegistry creates a registry seeding new sessions with the given
// budgets. Zero means unlimited.
func NewRegistry(defaultLimit, defaultAlarm uint64) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	r.defaultLimit.Store(defaultLimit)
	r.defaultAlarm.Store(defaultAlarm)
	return r
}

// Defaults returns the budgets applied to sessions accepted from now on.
func (r *Registry) Defaults() (limit, alarm uint64) {
	return r.defaultLimit.Load(), r.defaultAlarm.Load()
}

// Add registers s and arranges its removal once it finishes. It must be
// called before Serve.
func (r *Registry) Add(s *Session) {
	s.onClose = func(closed *Session) { r.remove(closed.ID()) }
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ListSessions snapshots every live session, oldest first.
func (r *Registry) ListSessions() []iface.SessionStats {
	all := r.snapshot()
	stats := make([]iface.SessionStats, 0, len(all))
	for _, s := range all {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].StartedAt.Before(stats[j].StartedAt)
	})
	return stats
}

// SessionStats returns the stats of one session.
func (r *Registry) SessionStats(id string) (iface.SessionStats, error) {
	s, ok := r.get(id)
	if !ok {
		return iface.SessionStats{}, fmt.Errorf("no session %s", id)
	}
	return s.Stats(), nil
}

// SetReadRateLimit retunes the inbound byte budget of one session, or of
// every live and future session when id is empty.
func (r *Registry) SetReadRateLimit(id string, bytesPerSecond uint64) error {
	if id == "" {
		r.defaultLimit.Store(bytesPerSecond)
		for _, s := range r.snapshot() {
			s.SetReadRateLimit(bytesPerSecond)
		}
		return nil
	}
	s, ok := r.get(id)
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	s.SetReadRateLimit(bytesPerSecond)
	return nil
}

// SetReadRateAlarm retunes the inbound alarm threshold of one session, or
// of every live and future session when id is empty.
func (r *Registry) SetReadRateAlarm(id string, bytesPerSecond uint64) error {
	if id == "" {
		r.defaultAlarm.Store(bytesPerSecond)
		for _, s := range r.snapshot() {
			s.SetReadRateAlarm(bytesPerSecond)
		}
		return nil
	}
	s, ok := r.get(id)
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	s.SetReadRateAlarm(bytesPerSecond)
	return nil
}

// CloseSession asks one session to shut down gracefully.
func (r *Registry) CloseSession(id string) error {
	s, ok := r.get(id)
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	s.Shutdown()
	return nil
}

// CloseAll asks every live session to shut down gracefully.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Shutdown()
	}
}
