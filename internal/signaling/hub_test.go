package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-kiosk/internal/presence"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

// fakePeer records everything the hub sends it.
type fakePeer struct {
	id     string
	role   tokens.Role
	sent   []Outbound
	closed bool
}

func (f *fakePeer) ClientID() string  { return f.id }
func (f *fakePeer) Role() tokens.Role { return f.role }
func (f *fakePeer) Close()            { f.closed = true }
func (f *fakePeer) Send(m Outbound) bool {
	f.sent = append(f.sent, m)
	return true
}

// typesSent flattens the frame types received so far.
func (f *fakePeer) typesSent() []string {
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m["type"].(string))
	}
	return out
}

func (f *fakePeer) lastOfType(t *testing.T, typ string) Outbound {
	t.Helper()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i]["type"] == typ {
			return f.sent[i]
		}
	}
	t.Fatalf("no %q frame sent to %s; got %v", typ, f.id, f.typesSent())
	return nil
}

func (f *fakePeer) reset() { f.sent = nil }

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(presence.NewStore(), NewSessionStore(), nil, time.Minute, zerolog.Nop())
}

func send(h *Hub, p Peer, typ string, kv ...any) {
	frame := map[string]any{"type": typ}
	for i := 0; i+1 < len(kv); i += 2 {
		frame[kv[i].(string)] = kv[i+1]
	}
	raw, _ := json.Marshal(frame)
	h.Handle(p, raw)
}

func register(t *testing.T, h *Hub) (*fakePeer, *fakePeer) {
	t.Helper()
	kiosk := &fakePeer{id: "kiosk-1", role: tokens.RoleKiosk}
	monitor := &fakePeer{id: "monitor-1", role: tokens.RoleMonitor}
	send(h, kiosk, EvtRegisterKiosk)
	send(h, monitor, EvtRegisterMonitor)
	kiosk.reset()
	monitor.reset()
	return kiosk, monitor
}

func startSession(t *testing.T, h *Hub, monitor *fakePeer, kioskID string) {
	t.Helper()
	send(h, monitor, EvtStartMonitoring, "kioskId", kioskID)
	monitor.lastOfType(t, EvtMonitoringStarted)
	monitor.reset()
}

func TestRegistrationFlow(t *testing.T) {
	h := newTestHub(t)
	monitor := &fakePeer{id: "monitor-1", role: tokens.RoleMonitor}
	send(h, monitor, EvtRegisterMonitor)

	reg := monitor.lastOfType(t, EvtMonitorRegistered)
	assert.Empty(t, reg["onlineKiosks"])

	kiosk := &fakePeer{id: "kiosk-1", role: tokens.RoleKiosk}
	send(h, kiosk, EvtRegisterKiosk)
	kiosk.lastOfType(t, EvtKioskRegistered)

	online := monitor.lastOfType(t, EvtKioskOnline)
	assert.Equal(t, "kiosk-1", online["kioskId"])
	assert.NotEmpty(t, online["timestamp"])

	send(h, monitor, EvtGetOnlineKiosks)
	list := monitor.lastOfType(t, EvtOnlineKiosksList)
	assert.Equal(t, []string{"kiosk-1"}, list["kiosks"])
	assert.Equal(t, 1, list["count"])
}

func TestRegisterRoleGates(t *testing.T) {
	h := newTestHub(t)
	kiosk := &fakePeer{id: "kiosk-1", role: tokens.RoleKiosk}

	send(h, kiosk, EvtRegisterMonitor)
	e := kiosk.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeBadRole, e["code"])

	send(h, kiosk, EvtStartMonitoring, "kioskId", "kiosk-2")
	e = kiosk.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeBadRole, e["code"])
}

func TestStartMonitoringErrors(t *testing.T) {
	h := newTestHub(t)
	_, monitor := register(t, h)

	send(h, monitor, EvtStartMonitoring, "kioskId", "ghost")
	e := monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeKioskNotFound, e["code"])
}

func TestSessionConflict(t *testing.T) {
	h := newTestHub(t)
	_, m1 := register(t, h)
	startSession(t, h, m1, "kiosk-1")

	m2 := &fakePeer{id: "monitor-2", role: tokens.RoleMonitor}
	send(h, m2, EvtRegisterMonitor)
	send(h, m2, EvtStartMonitoring, "kioskId", "kiosk-1")

	e := m2.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeSessionConflict, e["code"])

	// m1's session is unaffected.
	send(h, m1, EvtCallRequest, "kioskId", "kiosk-1")
	m1.lastOfType(t, EvtCallRequestSent)
}

func TestHappyCall(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	// Monitor rings the kiosk.
	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	req := kiosk.lastOfType(t, EvtCallRequest)
	assert.Equal(t, "monitor-1", req["fromId"])
	monitor.lastOfType(t, EvtCallRequestSent)

	// Kiosk accepts; both sides learn it.
	send(h, kiosk, EvtCallAccept, "kioskId", "kiosk-1")
	kiosk.lastOfType(t, EvtCallAccepted)
	kiosk.lastOfType(t, EvtCallAcceptConfirmed)
	acc := monitor.lastOfType(t, EvtCallAccepted)
	assert.Equal(t, "kiosk-1", acc["fromId"])

	sess, ok := h.sessions.Get("kiosk-1")
	require.True(t, ok)
	assert.Equal(t, CallConnected, sess.CallState)
	assert.False(t, sess.CallStartedAt.IsZero())

	// Media toggle during the call.
	send(h, monitor, EvtToggleVideo, "kioskId", "kiosk-1", "enabled", false)
	conf := monitor.lastOfType(t, EvtVideoToggleConfirmed)
	assert.Equal(t, false, conf["enabled"])
	tog := kiosk.lastOfType(t, EvtVideoToggled)
	assert.Equal(t, "monitor-1", tog["fromId"])
	assert.Equal(t, false, tog["enabled"])

	sess, _ = h.sessions.Get("kiosk-1")
	assert.False(t, sess.MonitorMedia.VideoEnabled)
	assert.True(t, sess.KioskMedia.VideoEnabled)

	// Monitor hangs up; session survives with call state reset.
	send(h, monitor, EvtCallEnd, "kioskId", "kiosk-1")
	kiosk.lastOfType(t, EvtCallEnded)
	monitor.lastOfType(t, EvtCallEnded)
	monitor.lastOfType(t, EvtCallEndConfirmed)

	sess, ok = h.sessions.Get("kiosk-1")
	require.True(t, ok, "session stays active after call-end")
	assert.Equal(t, CallIdle, sess.CallState)
	assert.Equal(t, tokens.Role(""), sess.CallInitiatedBy)
	assert.True(t, sess.CallStartedAt.IsZero())
}

func TestKioskInitiatedCall(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	send(h, kiosk, EvtCallRequest, "kioskId", "kiosk-1")
	req := monitor.lastOfType(t, EvtCallRequest)
	assert.Equal(t, "kiosk-1", req["fromId"])

	send(h, monitor, EvtCallAccept, "kioskId", "kiosk-1")
	sess, _ := h.sessions.Get("kiosk-1")
	assert.Equal(t, CallConnected, sess.CallState)
}

func TestCallReject(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	send(h, kiosk, EvtCallReject, "kioskId", "kiosk-1")

	rej := monitor.lastOfType(t, EvtCallRejected)
	assert.Equal(t, "kiosk-1", rej["fromId"])

	sess, _ := h.sessions.Get("kiosk-1")
	assert.Equal(t, CallIdle, sess.CallState)
	assert.Equal(t, tokens.Role(""), sess.CallInitiatedBy)

	// After a reject the call is over: toggles fail.
	send(h, monitor, EvtToggleVideo, "kioskId", "kiosk-1", "enabled", true)
	e := monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeNoActiveCall, e["code"])
}

func TestCallStateGuards(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	// Accept with no call in flight.
	send(h, kiosk, EvtCallAccept, "kioskId", "kiosk-1")
	e := kiosk.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeNoActiveCall, e["code"])

	// Audio toggle while IDLE.
	send(h, monitor, EvtToggleAudio, "kioskId", "kiosk-1", "enabled", false)
	e = monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeNoActiveCall, e["code"])

	// Duplicate request while CONNECTING.
	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	monitor.reset()
	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	e = monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeInvalidCallState, e["code"])

	// Initiator cannot accept its own call.
	send(h, monitor, EvtCallAccept, "kioskId", "kiosk-1")
	e = monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeInvalidCallState, e["code"])

	// Request while CONNECTED.
	send(h, kiosk, EvtCallAccept, "kioskId", "kiosk-1")
	monitor.reset()
	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	e = monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeInvalidCallState, e["code"])
}

func TestOnlyOwnerDrivesSession(t *testing.T) {
	h := newTestHub(t)
	_, m1 := register(t, h)
	startSession(t, h, m1, "kiosk-1")

	m2 := &fakePeer{id: "monitor-2", role: tokens.RoleMonitor}
	send(h, m2, EvtRegisterMonitor)
	send(h, m2, EvtCallRequest, "kioskId", "kiosk-1")

	e := m2.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeNotOwner, e["code"])

	send(h, m2, EvtStopMonitoring, "kioskId", "kiosk-1")
	e = m2.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeNotOwner, e["code"])

	_, ok := h.sessions.Get("kiosk-1")
	assert.True(t, ok)
}

func TestKioskNotPartOfSession(t *testing.T) {
	h := newTestHub(t)
	_, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	other := &fakePeer{id: "kiosk-2", role: tokens.RoleKiosk}
	send(h, other, EvtRegisterKiosk)
	send(h, other, EvtCallRequest, "kioskId", "kiosk-1")

	e := other.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeInvalidTarget, e["code"])
}

func TestToggleIdempotent(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")
	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	send(h, kiosk, EvtCallAccept, "kioskId", "kiosk-1")
	kiosk.reset()

	send(h, monitor, EvtToggleVideo, "kioskId", "kiosk-1", "enabled", true)
	send(h, monitor, EvtToggleVideo, "kioskId", "kiosk-1", "enabled", true)

	count := 0
	for _, m := range kiosk.sent {
		if m["type"] == EvtVideoToggled {
			count++
		}
	}
	assert.Equal(t, 2, count, "each toggle re-emits one peer notification")

	sess, _ := h.sessions.Get("kiosk-1")
	assert.True(t, sess.MonitorMedia.VideoEnabled)
}

func TestKioskDisconnectMidCall(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")
	send(h, monitor, EvtCallRequest, "kioskId", "kiosk-1")
	send(h, kiosk, EvtCallAccept, "kioskId", "kiosk-1")
	monitor.reset()

	h.Disconnect(kiosk)

	// call-ended, then monitoring-stopped, then the offline broadcast.
	types := monitor.typesSent()
	assert.Equal(t, []string{EvtCallEnded, EvtMonitoringStopped, EvtKioskOffline}, types)

	off := monitor.lastOfType(t, EvtKioskOffline)
	assert.Equal(t, "disconnected", off["reason"])

	_, ok := h.sessions.Get("kiosk-1")
	assert.False(t, ok, "session removed on kiosk disconnect")
}

func TestMonitorDisconnectEndsItsSessions(t *testing.T) {
	h := newTestHub(t)
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	h.Disconnect(monitor)

	stopped := kiosk.lastOfType(t, EvtMonitoringStopped)
	assert.Equal(t, "monitor-disconnected", stopped["reason"])
	_, ok := h.sessions.Get("kiosk-1")
	assert.False(t, ok)
}

func TestMonitorReconnectHasNoResidualSessions(t *testing.T) {
	h := newTestHub(t)
	_, m1 := register(t, h)
	startSession(t, h, m1, "kiosk-1")

	// Same identity reconnects; the old connection is displaced and closed.
	m1b := &fakePeer{id: "monitor-1", role: tokens.RoleMonitor}
	send(h, m1b, EvtRegisterMonitor)
	assert.True(t, m1.closed)

	// The displaced connection's teardown ends only its own sessions.
	h.Disconnect(m1)
	_, ok := h.sessions.Get("kiosk-1")
	assert.False(t, ok)

	send(h, m1b, EvtGetOnlineKiosks)
	list := m1b.lastOfType(t, EvtOnlineKiosksList)
	assert.Equal(t, 1, list["count"])
}

func TestSessionReaperEndsIdleSessions(t *testing.T) {
	h := NewHub(presence.NewStore(), NewSessionStore(), nil, 50*time.Millisecond, zerolog.Nop())
	h.reapInterval = 20 * time.Millisecond
	kiosk, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.RunReaper(ctx)

	require.Eventually(t, func() bool {
		_, ok := h.sessions.Get("kiosk-1")
		return !ok
	}, time.Second, 10*time.Millisecond)

	stopped := kiosk.lastOfType(t, EvtMonitoringStopped)
	assert.Equal(t, "session-timeout", stopped["reason"])
}

func TestPingRefreshesActivity(t *testing.T) {
	h := newTestHub(t)
	_, monitor := register(t, h)
	startSession(t, h, monitor, "kiosk-1")

	before, _ := h.sessions.Get("kiosk-1")
	time.Sleep(5 * time.Millisecond)
	send(h, monitor, EvtPing)
	monitor.lastOfType(t, EvtPong)

	after, _ := h.sessions.Get("kiosk-1")
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestUnknownEventRejected(t *testing.T) {
	h := newTestHub(t)
	_, monitor := register(t, h)

	send(h, monitor, "self-destruct")
	e := monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeInvalidPayload, e["code"])

	h.Handle(monitor, []byte("{not json"))
	e = monitor.lastOfType(t, EvtError)
	assert.Equal(t, ErrCodeInvalidPayload, e["code"])
}

func TestNoSessionErrors(t *testing.T) {
	h := newTestHub(t)
	_, monitor := register(t, h)

	for _, typ := range []string{EvtCallRequest, EvtCallAccept, EvtCallEnd, EvtToggleVideo} {
		monitor.reset()
		kv := []any{"kioskId", "kiosk-1"}
		if typ == EvtToggleVideo {
			kv = append(kv, "enabled", true)
		}
		send(h, monitor, typ, kv...)
		e := monitor.lastOfType(t, EvtError)
		assert.Equal(t, ErrCodeNoSession, e["code"], fmt.Sprintf("type %s", typ))
	}
}
