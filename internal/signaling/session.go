package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/technosupport/ts-kiosk/internal/presence"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

var (
	ErrSessionNotFound = errors.New("no session for kiosk")
	ErrSessionConflict = errors.New("kiosk already monitored by another monitor")
)

// CallState is the per-session call sub-state. Encoded as a tagged variant
// so transitions are checked exhaustively, not compared as strings.
type CallState int

const (
	CallIdle CallState = iota
	CallConnecting
	CallConnected
	CallEnded
)

func (c CallState) String() string {
	switch c {
	case CallIdle:
		return "IDLE"
	case CallConnecting:
		return "CONNECTING"
	case CallConnected:
		return "CONNECTED"
	case CallEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// SessionStatus is the lifecycle state of the monitoring relationship.
type SessionStatus int

const (
	SessionActive SessionStatus = iota
	SessionEnded
)

// MediaState tracks one side's media toggles during a call.
type MediaState struct {
	VideoEnabled bool
	AudioEnabled bool
}

// Session is the monitoring relationship between one monitor and one kiosk.
// Keyed by kiosk id: a kiosk is watched by at most one monitor.
type Session struct {
	KioskID         string
	MonitorID       string
	MonitorConn     presence.Conn
	StartedAt       time.Time
	LastActivityAt  time.Time
	Status          SessionStatus
	CallState       CallState
	CallInitiatedBy tokens.Role // empty when no call in flight
	CallStartedAt   time.Time   // zero unless CONNECTED
	MonitorMedia    MediaState
	KioskMedia      MediaState
}

// resetCall returns the session to the no-call baseline. Keeps the
// invariant: IDLE implies no initiator and no start time.
func (s *Session) resetCall() {
	s.CallState = CallIdle
	s.CallInitiatedBy = ""
	s.CallStartedAt = time.Time{}
	s.MonitorMedia = MediaState{VideoEnabled: true, AudioEnabled: true}
	s.KioskMedia = MediaState{VideoEnabled: true, AudioEnabled: true}
}

// SessionStore owns all sessions. A single mutex serializes every mutation,
// which satisfies the contract that updates to one session never interleave.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create starts a session for kioskID owned by monitorID. A session owned by
// a different monitor is a conflict; re-creating one's own session refreshes
// the connection handle (monitor reconnect).
func (st *SessionStore) Create(kioskID, monitorID string, conn presence.Conn) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.sessions[kioskID]; ok {
		if existing.MonitorID != monitorID {
			return ErrSessionConflict
		}
		existing.MonitorConn = conn
		existing.LastActivityAt = time.Now().UTC()
		return nil
	}
	now := time.Now().UTC()
	sess := &Session{
		KioskID:        kioskID,
		MonitorID:      monitorID,
		MonitorConn:    conn,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         SessionActive,
	}
	sess.resetCall()
	st.sessions[kioskID] = sess
	return nil
}

// Update runs fn on the session under the store lock. fn sees a live session
// and may mutate it; any command touching a session counts as activity.
func (st *SessionStore) Update(kioskID string, fn func(*Session) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[kioskID]
	if !ok || sess.Status != SessionActive {
		return ErrSessionNotFound
	}
	sess.LastActivityAt = time.Now().UTC()
	return fn(sess)
}

// Get returns a snapshot copy of the session.
func (st *SessionStore) Get(kioskID string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[kioskID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Delete ends and removes the session, returning its final snapshot.
func (st *SessionStore) Delete(kioskID string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[kioskID]
	if !ok {
		return Session{}, false
	}
	sess.Status = SessionEnded
	snapshot := *sess
	delete(st.sessions, kioskID)
	return snapshot, true
}

// ByMonitorConn snapshots every session bound to the given connection
// handle. Only the handle is compared: a reconnected monitor's new sessions
// survive its old connection's teardown.
func (st *SessionStore) ByMonitorConn(conn presence.Conn) []Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Session
	for _, sess := range st.sessions {
		if sess.MonitorConn == conn {
			out = append(out, *sess)
		}
	}
	return out
}

// TouchByParticipant refreshes activity on every session the client takes
// part in. Used for commands without a kiosk id, like ping.
func (st *SessionStore) TouchByParticipant(clientID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UTC()
	for _, sess := range st.sessions {
		if sess.KioskID == clientID || sess.MonitorID == clientID {
			sess.LastActivityAt = now
		}
	}
}

// Expired snapshots sessions idle longer than timeout.
func (st *SessionStore) Expired(timeout time.Duration) []Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	var out []Session
	for _, sess := range st.sessions {
		if now.Sub(sess.LastActivityAt) > timeout {
			out = append(out, *sess)
		}
	}
	return out
}

// Len reports active sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
