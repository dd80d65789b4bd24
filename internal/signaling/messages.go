package signaling

import "time"

// Client→server event types. The catalogue is closed: anything else is
// rejected with ErrCodeInvalidPayload.
const (
	EvtRegisterKiosk   = "register-kiosk"
	EvtRegisterMonitor = "register-monitor"
	EvtGetOnlineKiosks = "get-online-kiosks"
	EvtStartMonitoring = "start-monitoring"
	EvtStopMonitoring  = "stop-monitoring"
	EvtCallRequest     = "call-request"
	EvtCallAccept      = "call-accept"
	EvtCallReject      = "call-reject"
	EvtCallEnd         = "call-end"
	EvtToggleVideo     = "toggle-video"
	EvtToggleAudio     = "toggle-audio"
	EvtPing            = "ping"
)

// Server→client event types.
const (
	EvtKioskRegistered      = "kiosk-registered"
	EvtMonitorRegistered    = "monitor-registered"
	EvtOnlineKiosksList     = "online-kiosks-list"
	EvtKioskOnline          = "kiosk-online"
	EvtKioskOffline         = "kiosk-offline"
	EvtMonitoringStarted    = "monitoring-started"
	EvtMonitoringStopped    = "monitoring-stopped"
	EvtCallRequestSent      = "call-request-sent"
	EvtCallAccepted         = "call-accepted"
	EvtCallAcceptConfirmed  = "call-accept-confirmed"
	EvtCallRejected         = "call-rejected"
	EvtCallEnded            = "call-ended"
	EvtCallEndConfirmed     = "call-end-confirmed"
	EvtVideoToggled         = "video-toggled"
	EvtVideoToggleConfirmed = "video-toggle-confirmed"
	EvtAudioToggled         = "audio-toggled"
	EvtAudioToggleConfirmed = "audio-toggle-confirmed"
	EvtError                = "error"
	EvtPong                 = "pong"
)

// Stable error codes carried in error events.
const (
	ErrCodeNoSession        = "SIGNALING_NO_SESSION"
	ErrCodeInvalidTarget    = "SIGNALING_INVALID_TARGET"
	ErrCodeNotOwner         = "SIGNALING_NOT_OWNER"
	ErrCodeBadRole          = "SIGNALING_BAD_ROLE"
	ErrCodeInvalidCallState = "INVALID_CALL_STATE"
	ErrCodeNoActiveCall     = "NO_ACTIVE_CALL"
	ErrCodeKioskNotFound    = "KIOSK_NOT_FOUND"
	ErrCodeSessionConflict  = "SESSION_CONFLICT"
	ErrCodeInvalidPayload   = "INVALID_PAYLOAD"
)

// Inbound is a parsed client frame. Unknown fields are ignored by the JSON
// decoder, per the validation contract.
type Inbound struct {
	Type    string `json:"type"`
	KioskID string `json:"kioskId"`
	Enabled *bool  `json:"enabled"`
}

// Outbound is a server frame: {type, ...fields}.
type Outbound map[string]any

func msg(typ string, kv ...any) Outbound {
	out := Outbound{"type": typ}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func errorMsg(code, message string) Outbound {
	return msg(EvtError, "code", code, "message", message)
}
