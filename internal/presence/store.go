// Package presence tracks which kiosks and monitors currently hold a live
// signaling connection. State is ephemeral: it is rebuilt from registrations
// after a restart.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Conn is the opaque connection handle owned by the transport layer.
type Conn interface {
	// Close tears the underlying connection down; used when a newer
	// registration displaces an older one.
	Close()
}

// Entry is one registered client.
type Entry struct {
	Conn        Conn
	ConnectedAt time.Time
}

// Store holds the two presence maps. At most one connection per id: a newer
// registration displaces the older one.
type Store struct {
	mu       sync.RWMutex
	kiosks   map[string]Entry
	monitors map[string]Entry
}

func NewStore() *Store {
	return &Store{
		kiosks:   make(map[string]Entry),
		monitors: make(map[string]Entry),
	}
}

// RegisterKiosk inserts or overwrites the kiosk entry and returns the
// displaced connection, if any.
func (s *Store) RegisterKiosk(kioskID string, conn Conn) (Conn, bool) {
	return register(s, s.kiosks, kioskID, conn)
}

// RegisterMonitor inserts or overwrites the monitor entry and returns the
// displaced connection, if any.
func (s *Store) RegisterMonitor(monitorID string, conn Conn) (Conn, bool) {
	return register(s, s.monitors, monitorID, conn)
}

func register(s *Store, m map[string]Entry, id string, conn Conn) (Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := m[id]
	m[id] = Entry{Conn: conn, ConnectedAt: time.Now().UTC()}
	if existed && prev.Conn != conn {
		return prev.Conn, true
	}
	return nil, false
}

// UnregisterKiosk removes the kiosk entry, but only if conn still owns it.
// A stale disconnect must not evict a newer registration.
func (s *Store) UnregisterKiosk(kioskID string, conn Conn) bool {
	return unregister(s, s.kiosks, kioskID, conn)
}

// UnregisterMonitor removes the monitor entry if conn still owns it.
func (s *Store) UnregisterMonitor(monitorID string, conn Conn) bool {
	return unregister(s, s.monitors, monitorID, conn)
}

func unregister(s *Store, m map[string]Entry, id string, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := m[id]
	if !ok || cur.Conn != conn {
		return false
	}
	delete(m, id)
	return true
}

// Kiosk looks up one kiosk entry.
func (s *Store) Kiosk(kioskID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.kiosks[kioskID]
	return e, ok
}

// Monitor looks up one monitor entry.
func (s *Store) Monitor(monitorID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.monitors[monitorID]
	return e, ok
}

// KioskIDs returns the online kiosk ids, sorted for stable payloads.
func (s *Store) KioskIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.kiosks))
	for id := range s.kiosks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MonitorConns snapshots the current monitor connections for broadcasting.
func (s *Store) MonitorConns() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]Conn, 0, len(s.monitors))
	for _, e := range s.monitors {
		conns = append(conns, e.Conn)
	}
	return conns
}

// Counts reports (kiosks, monitors) for health snapshots.
func (s *Store) Counts() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.kiosks), len(s.monitors)
}
