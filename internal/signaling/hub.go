package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/events"
	"github.com/technosupport/ts-kiosk/internal/metrics"
	"github.com/technosupport/ts-kiosk/internal/presence"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

// Peer is a connected, authenticated signaling client. The transport layer
// owns delivery; Send must never block the hub.
type Peer interface {
	presence.Conn
	ClientID() string
	Role() tokens.Role
	Send(msg Outbound) bool
}

// Hub owns presence and sessions and drives the call state machine. One hub
// per process; per-connection read loops call into it.
type Hub struct {
	presence *presence.Store
	sessions *SessionStore
	events   *events.Publisher
	log      zerolog.Logger

	sessionTimeout time.Duration
	reapInterval   time.Duration
}

func NewHub(ps *presence.Store, ss *SessionStore, pub *events.Publisher, sessionTimeout time.Duration, log zerolog.Logger) *Hub {
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Minute
	}
	return &Hub{
		presence:       ps,
		sessions:       ss,
		events:         pub,
		log:            log,
		sessionTimeout: sessionTimeout,
		reapInterval:   30 * time.Second,
	}
}

// Handle processes one inbound frame from peer, in arrival order.
func (h *Hub) Handle(peer Peer, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.sendError(peer, ErrCodeInvalidPayload, "malformed JSON frame")
		return
	}

	switch in.Type {
	case EvtRegisterKiosk:
		h.registerKiosk(peer)
	case EvtRegisterMonitor:
		h.registerMonitor(peer)
	case EvtGetOnlineKiosks:
		h.sessions.TouchByParticipant(peer.ClientID())
		ids := h.presence.KioskIDs()
		peer.Send(msg(EvtOnlineKiosksList,
			"kiosks", ids,
			"count", len(ids),
			"timestamp", wireTime(time.Now())))
	case EvtStartMonitoring:
		h.startMonitoring(peer, in)
	case EvtStopMonitoring:
		h.stopMonitoring(peer, in)
	case EvtCallRequest, EvtCallAccept, EvtCallReject, EvtCallEnd:
		h.callCommand(peer, in)
	case EvtToggleVideo, EvtToggleAudio:
		h.toggleMedia(peer, in)
	case EvtPing:
		h.sessions.TouchByParticipant(peer.ClientID())
		peer.Send(msg(EvtPong, "timestamp", wireTime(time.Now())))
	default:
		h.sendError(peer, ErrCodeInvalidPayload, "unknown event type: "+in.Type)
	}
}

func (h *Hub) registerKiosk(peer Peer) {
	if peer.Role() != tokens.RoleKiosk {
		h.sendError(peer, ErrCodeBadRole, "only kiosks may register as kiosk")
		return
	}
	displaced, had := h.presence.RegisterKiosk(peer.ClientID(), peer)
	if had {
		displaced.Close()
	} else {
		metrics.ClientsConnected.WithLabelValues(string(tokens.RoleKiosk)).Inc()
	}

	h.broadcastToMonitors(msg(EvtKioskOnline,
		"kioskId", peer.ClientID(),
		"timestamp", wireTime(time.Now())))
	if err := h.events.KioskOnline(peer.ClientID()); err != nil {
		h.log.Warn().Err(err).Msg("presence event publish failed")
	}

	peer.Send(msg(EvtKioskRegistered, "kioskId", peer.ClientID()))
	h.log.Info().Str("kiosk_id", peer.ClientID()).Msg("kiosk registered")
}

func (h *Hub) registerMonitor(peer Peer) {
	if peer.Role() != tokens.RoleMonitor {
		h.sendError(peer, ErrCodeBadRole, "only monitors may register as monitor")
		return
	}
	displaced, had := h.presence.RegisterMonitor(peer.ClientID(), peer)
	if had {
		displaced.Close()
	} else {
		metrics.ClientsConnected.WithLabelValues(string(tokens.RoleMonitor)).Inc()
	}

	peer.Send(msg(EvtMonitorRegistered, "onlineKiosks", h.presence.KioskIDs()))
	h.log.Info().Str("monitor_id", peer.ClientID()).Msg("monitor registered")
}

func (h *Hub) startMonitoring(peer Peer, in Inbound) {
	if peer.Role() != tokens.RoleMonitor {
		h.sendError(peer, ErrCodeBadRole, "only monitors start sessions")
		return
	}
	if in.KioskID == "" {
		h.sendError(peer, ErrCodeInvalidPayload, "kioskId is required")
		return
	}
	if _, online := h.presence.Kiosk(in.KioskID); !online {
		h.sendError(peer, ErrCodeKioskNotFound, "kiosk is not online: "+in.KioskID)
		return
	}
	if err := h.sessions.Create(in.KioskID, peer.ClientID(), peer); err != nil {
		h.sendError(peer, ErrCodeSessionConflict, "kiosk is already monitored")
		return
	}
	metrics.SessionsActive.Set(float64(h.sessions.Len()))
	peer.Send(msg(EvtMonitoringStarted, "kioskId", in.KioskID))
	h.log.Info().
		Str("monitor_id", peer.ClientID()).
		Str("kiosk_id", in.KioskID).
		Msg("monitoring started")
}

func (h *Hub) stopMonitoring(peer Peer, in Inbound) {
	if peer.Role() != tokens.RoleMonitor {
		h.sendError(peer, ErrCodeBadRole, "only monitors stop sessions")
		return
	}
	sess, ok := h.sessions.Get(in.KioskID)
	if !ok {
		h.sendError(peer, ErrCodeNoSession, "no session for kiosk: "+in.KioskID)
		return
	}
	if sess.MonitorConn != presence.Conn(peer) {
		h.sendError(peer, ErrCodeNotOwner, "session owned by another monitor")
		return
	}
	h.endSession(in.KioskID, "stopped")
}

// callOutcome is what a state-machine step decided while the store lock was
// held; messages are sent after the lock is released.
type callOutcome struct {
	errCode    string
	errMessage string
	toSender   []Outbound
	toPeer     []Outbound
	peerID     string // the other participant's client id
}

func (h *Hub) callCommand(peer Peer, in Inbound) {
	senderRole := peer.Role()
	senderID := peer.ClientID()
	var out callOutcome

	err := h.sessions.Update(in.KioskID, func(sess *Session) error {
		if !h.isParticipant(sess, peer, &out) {
			return nil
		}
		out.peerID = otherParty(sess, senderRole)

		switch in.Type {
		case EvtCallRequest:
			if sess.CallState != CallIdle {
				out.errCode, out.errMessage = ErrCodeInvalidCallState, "call already in progress"
				return nil
			}
			sess.CallState = CallConnecting
			sess.CallInitiatedBy = senderRole
			out.toPeer = append(out.toPeer, msg(EvtCallRequest, "fromId", senderID))
			out.toSender = append(out.toSender, msg(EvtCallRequestSent, "kioskId", sess.KioskID))

		case EvtCallAccept:
			if sess.CallState != CallConnecting {
				out.errCode, out.errMessage = ErrCodeNoActiveCall, "no incoming call to accept"
				return nil
			}
			if sess.CallInitiatedBy == senderRole {
				out.errCode, out.errMessage = ErrCodeInvalidCallState, "initiator cannot accept its own call"
				return nil
			}
			sess.CallState = CallConnected
			sess.CallStartedAt = time.Now().UTC()
			accepted := msg(EvtCallAccepted, "fromId", senderID)
			out.toPeer = append(out.toPeer, accepted)
			out.toSender = append(out.toSender, accepted, msg(EvtCallAcceptConfirmed, "kioskId", sess.KioskID))
			metrics.CallsActive.Inc()

		case EvtCallReject:
			if sess.CallState != CallConnecting {
				out.errCode, out.errMessage = ErrCodeNoActiveCall, "no incoming call to reject"
				return nil
			}
			if sess.CallInitiatedBy == senderRole {
				out.errCode, out.errMessage = ErrCodeInvalidCallState, "initiator cannot reject its own call"
				return nil
			}
			sess.resetCall()
			out.toPeer = append(out.toPeer, msg(EvtCallRejected, "fromId", senderID))

		case EvtCallEnd:
			if sess.CallState != CallConnecting && sess.CallState != CallConnected {
				out.errCode, out.errMessage = ErrCodeNoActiveCall, "no call to end"
				return nil
			}
			if sess.CallState == CallConnected {
				metrics.CallsActive.Dec()
			}
			sess.resetCall()
			ended := msg(EvtCallEnded, "fromId", senderID)
			out.toPeer = append(out.toPeer, ended)
			out.toSender = append(out.toSender, ended, msg(EvtCallEndConfirmed, "kioskId", sess.KioskID))
		}
		return nil
	})
	if err != nil {
		h.sendError(peer, ErrCodeNoSession, "no active session for kiosk: "+in.KioskID)
		return
	}
	h.deliver(peer, out)
}

func (h *Hub) toggleMedia(peer Peer, in Inbound) {
	if in.Enabled == nil {
		h.sendError(peer, ErrCodeInvalidPayload, "enabled is required")
		return
	}
	enabled := *in.Enabled
	senderRole := peer.Role()
	senderID := peer.ClientID()
	var out callOutcome

	err := h.sessions.Update(in.KioskID, func(sess *Session) error {
		if !h.isParticipant(sess, peer, &out) {
			return nil
		}
		out.peerID = otherParty(sess, senderRole)

		if sess.CallState != CallConnected {
			out.errCode, out.errMessage = ErrCodeNoActiveCall, "media toggles require a connected call"
			return nil
		}

		media := &sess.KioskMedia
		if senderRole == tokens.RoleMonitor {
			media = &sess.MonitorMedia
		}

		toggled, confirmed := EvtVideoToggled, EvtVideoToggleConfirmed
		if in.Type == EvtToggleAudio {
			toggled, confirmed = EvtAudioToggled, EvtAudioToggleConfirmed
			media.AudioEnabled = enabled
		} else {
			media.VideoEnabled = enabled
		}

		out.toSender = append(out.toSender, msg(confirmed, "enabled", enabled))
		out.toPeer = append(out.toPeer, msg(toggled, "fromId", senderID, "enabled", enabled))
		return nil
	})
	if err != nil {
		h.sendError(peer, ErrCodeNoSession, "no active session for kiosk: "+in.KioskID)
		return
	}
	h.deliver(peer, out)
}

// isParticipant enforces the ownership rules: a monitor must hold the
// session's connection handle, a kiosk must be the session's kiosk.
func (h *Hub) isParticipant(sess *Session, peer Peer, out *callOutcome) bool {
	switch peer.Role() {
	case tokens.RoleMonitor:
		if sess.MonitorConn != presence.Conn(peer) {
			out.errCode, out.errMessage = ErrCodeNotOwner, "session owned by another monitor"
			return false
		}
	case tokens.RoleKiosk:
		if sess.KioskID != peer.ClientID() {
			out.errCode, out.errMessage = ErrCodeInvalidTarget, "kiosk is not part of this session"
			return false
		}
	}
	return true
}

func otherParty(sess *Session, senderRole tokens.Role) string {
	if senderRole == tokens.RoleMonitor {
		return sess.KioskID
	}
	return sess.MonitorID
}

func (h *Hub) deliver(sender Peer, out callOutcome) {
	if out.errCode != "" {
		h.sendError(sender, out.errCode, out.errMessage)
		return
	}
	for _, m := range out.toSender {
		sender.Send(m)
	}
	if len(out.toPeer) == 0 {
		return
	}
	if peer, ok := h.peerByID(out.peerID); ok {
		for _, m := range out.toPeer {
			peer.Send(m)
		}
	}
}

func (h *Hub) peerByID(clientID string) (Peer, bool) {
	if e, ok := h.presence.Kiosk(clientID); ok {
		if p, ok := e.Conn.(Peer); ok {
			return p, true
		}
	}
	if e, ok := h.presence.Monitor(clientID); ok {
		if p, ok := e.Conn.(Peer); ok {
			return p, true
		}
	}
	return nil, false
}

// Disconnect tears down everything the peer owned. Safe to call for peers
// that never registered.
func (h *Hub) Disconnect(peer Peer) {
	switch peer.Role() {
	case tokens.RoleKiosk:
		h.disconnectKiosk(peer)
	case tokens.RoleMonitor:
		h.disconnectMonitor(peer)
	}
}

func (h *Hub) disconnectKiosk(peer Peer) {
	kioskID := peer.ClientID()
	if !h.presence.UnregisterKiosk(kioskID, peer) {
		return // displaced earlier; the newer connection owns the state
	}
	metrics.ClientsConnected.WithLabelValues(string(tokens.RoleKiosk)).Dec()

	h.endSession(kioskID, "kiosk-disconnected")

	h.broadcastToMonitors(msg(EvtKioskOffline,
		"kioskId", kioskID,
		"timestamp", wireTime(time.Now()),
		"reason", "disconnected"))
	if err := h.events.KioskOffline(kioskID, "disconnected"); err != nil {
		h.log.Warn().Err(err).Msg("presence event publish failed")
	}
	h.log.Info().Str("kiosk_id", kioskID).Msg("kiosk disconnected")
}

func (h *Hub) disconnectMonitor(peer Peer) {
	monitorID := peer.ClientID()
	if h.presence.UnregisterMonitor(monitorID, peer) {
		metrics.ClientsConnected.WithLabelValues(string(tokens.RoleMonitor)).Dec()
	}

	// Sessions are bound to the connection handle, not the id: a displaced
	// connection still ends its own sessions without touching the sessions
	// of the monitor's newer connection.
	for _, sess := range h.sessions.ByMonitorConn(peer) {
		h.endSession(sess.KioskID, "monitor-disconnected")
	}
	h.log.Info().Str("monitor_id", monitorID).Msg("monitor disconnected")
}

// endSession removes the session and notifies the surviving participants.
// A disconnect mid-call behaves as call-end from the vanished side; vanished
// participants are already out of presence, so lookups for them just miss.
func (h *Hub) endSession(kioskID, reason string) {
	sess, ok := h.sessions.Delete(kioskID)
	if !ok {
		return
	}
	metrics.SessionsActive.Set(float64(h.sessions.Len()))
	if sess.CallState == CallConnected {
		metrics.CallsActive.Dec()
	}

	inCall := sess.CallState == CallConnecting || sess.CallState == CallConnected
	stopped := msg(EvtMonitoringStopped, "kioskId", kioskID, "reason", reason)

	if kioskPeer, ok := h.peerByID(sess.KioskID); ok {
		if inCall {
			kioskPeer.Send(msg(EvtCallEnded, "fromId", sess.MonitorID))
		}
		kioskPeer.Send(stopped)
	}
	if monitorPeer, ok := h.peerByID(sess.MonitorID); ok {
		if inCall {
			monitorPeer.Send(msg(EvtCallEnded, "fromId", sess.KioskID))
		}
		monitorPeer.Send(stopped)
	}
}

func (h *Hub) broadcastToMonitors(m Outbound) {
	for _, conn := range h.presence.MonitorConns() {
		if p, ok := conn.(Peer); ok {
			p.Send(m)
		}
	}
}

func (h *Hub) sendError(peer Peer, code, message string) {
	metrics.SignalingErrors.WithLabelValues(code).Inc()
	peer.Send(errorMsg(code, message))
}

// RunReaper ends sessions idle past the timeout, scanning every
// reapInterval until ctx is cancelled.
func (h *Hub) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(h.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range h.sessions.Expired(h.sessionTimeout) {
				h.log.Info().
					Str("kiosk_id", sess.KioskID).
					Str("monitor_id", sess.MonitorID).
					Msg("session timed out")
				h.endSession(sess.KioskID, "session-timeout")
				metrics.SessionsReaped.Inc()
			}
		}
	}
}
