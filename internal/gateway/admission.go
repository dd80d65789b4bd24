package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/metrics"
	"github.com/technosupport/ts-kiosk/internal/replay"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

// Stable admission rejection reasons; these are wire contract, not prose.
const (
	ReasonTokenRequired = "Token required"
	ReasonBadSignature  = "Invalid token signature"
	ReasonExpired       = "Token expired"
	ReasonReplayed      = "Token already used"
	ReasonNoPermission  = "No VIEW permission"
)

// AdmissionError carries the machine-readable reason a viewer was refused.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return e.Reason }

// Admitter performs the token checks in order: signature and expiry, then
// single-use replay, then permission. A token that passes is consumed; it
// will never admit a second connection.
type Admitter struct {
	tokens *tokens.Manager
	used   replay.Set
	log    zerolog.Logger
}

func NewAdmitter(tm *tokens.Manager, used replay.Set, log zerolog.Logger) *Admitter {
	return &Admitter{tokens: tm, used: used, log: log}
}

// Admit validates a stream token and marks it used. Returns the claims
// binding the viewer to one camera, or an *AdmissionError.
func (a *Admitter) Admit(ctx context.Context, tokenStr string) (*tokens.StreamClaims, error) {
	if tokenStr == "" {
		return nil, a.reject(ReasonTokenRequired)
	}

	claims, err := a.tokens.ValidateStreamToken(tokenStr)
	if err != nil {
		if errors.Is(err, tokens.ErrExpiredToken) {
			return nil, a.reject(ReasonExpired)
		}
		return nil, a.reject(ReasonBadSignature)
	}

	expiresAt := time.Now().Add(tokens.DefaultStreamTokenTTL)
	if claims.RegisteredClaims.ExpiresAt != nil {
		expiresAt = claims.RegisteredClaims.ExpiresAt.Time
	}
	firstUse, err := a.used.Use(ctx, tokenStr, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}
	if !firstUse {
		return nil, a.reject(ReasonReplayed)
	}

	if !claims.HasPermission(tokens.PermissionView) {
		return nil, a.reject(ReasonNoPermission)
	}

	a.log.Info().
		Str("camera_id", claims.CameraID).
		Str("monitor_id", claims.MonitorID).
		Msg("viewer admitted")
	return claims, nil
}

// Check validates signature, expiry and permission without consuming the
// token; backs the validate-token endpoint.
func (a *Admitter) Check(tokenStr string) (*tokens.StreamClaims, error) {
	if tokenStr == "" {
		return nil, &AdmissionError{Reason: ReasonTokenRequired}
	}
	claims, err := a.tokens.ValidateStreamToken(tokenStr)
	if err != nil {
		if errors.Is(err, tokens.ErrExpiredToken) {
			return nil, &AdmissionError{Reason: ReasonExpired}
		}
		return nil, &AdmissionError{Reason: ReasonBadSignature}
	}
	if !claims.HasPermission(tokens.PermissionView) {
		return nil, &AdmissionError{Reason: ReasonNoPermission}
	}
	return claims, nil
}

func (a *Admitter) reject(reason string) error {
	metrics.AdmissionsRejected.WithLabelValues(reason).Inc()
	a.log.Warn().Str("reason", reason).Msg("viewer admission rejected")
	return &AdmissionError{Reason: reason}
}
