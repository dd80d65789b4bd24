package registry

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/tokens"
)

// Issuer mints short-lived stream tokens for cameras in the store.
type Issuer struct {
	store  *Store
	tokens *tokens.Manager
	ttl    time.Duration
	log    zerolog.Logger
}

func NewIssuer(store *Store, tm *tokens.Manager, ttl time.Duration, log zerolog.Logger) *Issuer {
	if ttl <= 0 {
		ttl = tokens.DefaultStreamTokenTTL
	}
	return &Issuer{store: store, tokens: tm, ttl: ttl, log: log}
}

// IssuedToken is the issuance response.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CameraID  string    `json:"cameraId"`
}

// Issue mints a token for monitorID to view cameraID. The role gate lives at
// the transport layer; here the camera must exist and be enabled.
func (i *Issuer) Issue(cameraID, monitorID string) (IssuedToken, error) {
	if err := i.store.EnabledCamera(cameraID); err != nil {
		return IssuedToken{}, err
	}

	token, exp, err := i.tokens.GenerateStreamToken(cameraID, monitorID, i.ttl)
	if err != nil {
		return IssuedToken{}, err
	}

	// Issuance audit trail.
	i.log.Info().
		Str("camera_id", cameraID).
		Str("monitor_id", monitorID).
		Time("expires_at", exp).
		Msg("stream token issued")

	return IssuedToken{Token: token, ExpiresAt: exp, CameraID: cameraID}, nil
}
