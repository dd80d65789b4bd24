package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Role identifies which side of the system a client belongs to.
type Role string

const (
	RoleKiosk   Role = "KIOSK"
	RoleMonitor Role = "MONITOR"
)

func (r Role) Valid() bool {
	return r == RoleKiosk || r == RoleMonitor
}

// PermissionView is the only stream permission the gateway honours.
const PermissionView = "VIEW"

// DefaultStreamTokenTTL bounds the window between token mint and viewer
// admission.
const DefaultStreamTokenTTL = 60 * time.Second

// ClientClaims identify a signaling client (kiosk or monitor).
type ClientClaims struct {
	ClientID string `json:"clientId"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// StreamClaims are a single-use capability admitting one viewer to one
// camera. ExpiresAt mirrors the registered exp claim as an ISO-8601 string
// for non-JWT-aware consumers.
type StreamClaims struct {
	CameraID    string   `json:"cameraId"`
	ExpiresAt   string   `json:"expiresAt"`
	Permissions []string `json:"permissions"`
	IssuedAt    string   `json:"issuedAt"`
	MonitorID   string   `json:"monitorId"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the claim set carries perm.
func (c *StreamClaims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Manager signs and validates both token families with the shared HMAC key.
// The key is read-only after construction.
type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

// GenerateClientToken mints an identity token for a persistent signaling
// connection.
func (m *Manager) GenerateClientToken(clientID string, role Role, ttl time.Duration) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("generate client token: bad role %q", role)
	}
	now := time.Now().UTC()
	claims := ClientClaims{
		ClientID: clientID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   clientID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"
	return token.SignedString(m.signingKey)
}

// GenerateStreamToken mints a short-lived VIEW capability for one camera.
// monitorID is carried for audit only.
func (m *Manager) GenerateStreamToken(cameraID, monitorID string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := StreamClaims{
		CameraID:    cameraID,
		ExpiresAt:   exp.Format(time.RFC3339),
		Permissions: []string{PermissionView},
		IssuedAt:    now.Format(time.RFC3339),
		MonitorID:   monitorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   monitorID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateClientToken verifies signature, expiry and role of an identity
// token.
func (m *Manager) ValidateClientToken(tokenString string) (*ClientClaims, error) {
	claims := &ClientClaims{}
	if err := m.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateStreamToken verifies signature and expiry of a stream capability.
// Replay enforcement is the caller's job; the manager is stateless.
func (m *Manager) ValidateStreamToken(tokenString string) (*StreamClaims, error) {
	claims := &StreamClaims{}
	if err := m.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.CameraID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
