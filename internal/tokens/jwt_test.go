package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTokenRoundTrip(t *testing.T) {
	m := NewManager("test-signing-key")

	tok, err := m.GenerateClientToken("monitor-1", RoleMonitor, time.Hour)
	require.NoError(t, err)

	claims, err := m.ValidateClientToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "monitor-1", claims.ClientID)
	assert.Equal(t, RoleMonitor, claims.Role)
}

func TestClientTokenRejectsBadRole(t *testing.T) {
	m := NewManager("test-signing-key")
	_, err := m.GenerateClientToken("x", Role("ADMIN"), time.Hour)
	assert.Error(t, err)
}

func TestClientTokenWrongKey(t *testing.T) {
	m := NewManager("key-a")
	other := NewManager("key-b")

	tok, err := m.GenerateClientToken("kiosk-1", RoleKiosk, time.Hour)
	require.NoError(t, err)

	_, err = other.ValidateClientToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStreamTokenClaims(t *testing.T) {
	m := NewManager("test-signing-key")

	tok, exp, err := m.GenerateStreamToken("CCTV_01", "monitor-1", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultStreamTokenTTL), exp, 2*time.Second)

	claims, err := m.ValidateStreamToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "CCTV_01", claims.CameraID)
	assert.Equal(t, "monitor-1", claims.MonitorID)
	assert.True(t, claims.HasPermission(PermissionView))
	assert.False(t, claims.HasPermission("CONTROL"))
	assert.NotEmpty(t, claims.ID, "jti must be set for replay tracking")

	// ISO mirror matches the registered exp claim.
	mirror, err := time.Parse(time.RFC3339, claims.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, exp, mirror, time.Second)
}

func TestStreamTokenExpired(t *testing.T) {
	m := NewManager("test-signing-key")

	tok, _, err := m.GenerateStreamToken("CCTV_01", "monitor-1", time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = m.ValidateStreamToken(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestStreamTokenNotAClientToken(t *testing.T) {
	m := NewManager("test-signing-key")

	tok, _, err := m.GenerateStreamToken("CCTV_01", "monitor-1", time.Minute)
	require.NoError(t, err)

	// A stream token carries no role claim and must not admit a signaling
	// client.
	_, err = m.ValidateClientToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
