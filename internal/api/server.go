// Package api is the control backend's HTTP surface: login, the camera
// catalogue for monitors, stream-token issuance and the gateway's health
// callback sink.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/auth"
	"github.com/technosupport/ts-kiosk/internal/config"
	"github.com/technosupport/ts-kiosk/internal/metrics"
	"github.com/technosupport/ts-kiosk/internal/registry"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

// Server wires the control-backend handlers. The websocket signaling path is
// mounted separately by the hub binary.
type Server struct {
	registry      *registry.Store
	issuer        *registry.Issuer
	tokens        *tokens.Manager
	credentials   []config.Credential
	gatewaySecret string
	clientTTL     time.Duration
	log           zerolog.Logger
}

func NewServer(reg *registry.Store, issuer *registry.Issuer, tm *tokens.Manager, cfg *config.Config, log zerolog.Logger) *Server {
	ttl := cfg.ClientTokenTTL
	if ttl <= 0 {
		ttl = config.DefaultClientTokenTTL
	}
	return &Server{
		registry:      reg,
		issuer:        issuer,
		tokens:        tm,
		credentials:   cfg.Credentials,
		gatewaySecret: cfg.GatewaySecret,
		clientTTL:     ttl,
		log:           log,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/cctv/health-callback", s.handleHealthCallback)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.tokens))
		r.Use(RequireRole(tokens.RoleMonitor))
		r.Get("/api/cctv/cameras", s.handleListCameras)
		r.Get("/api/cctv/cameras/{cameraID}", s.handleGetCamera)
		r.Post("/api/cctv/cameras", s.handleRegisterCamera)
		r.Delete("/api/cctv/cameras/{cameraID}", s.handleDeregisterCamera)
		r.Post("/api/cctv/stream-token", s.handleStreamToken)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

type loginRequest struct {
	ClientID string `json:"clientId"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "clientId and password are required")
		return
	}

	cred, ok := s.findCredential(req.ClientID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown client or bad password")
		return
	}
	match, err := auth.Verify(req.Password, cred.PasswordHash)
	if err != nil || !match {
		s.log.Warn().Str("client_id", req.ClientID).Msg("failed login attempt")
		writeError(w, http.StatusUnauthorized, "unknown client or bad password")
		return
	}

	role := tokens.Role(cred.Role)
	token, err := s.tokens.GenerateClientToken(cred.ClientID, role, s.clientTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	s.log.Info().Str("client_id", cred.ClientID).Str("role", cred.Role).Msg("client logged in")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"clientId": cred.ClientID,
		"role":     cred.Role,
	})
}

func (s *Server) findCredential(clientID string) (config.Credential, bool) {
	for _, c := range s.credentials {
		if c.ClientID == clientID {
			return c, true
		}
	}
	return config.Credential{}, false
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"cameras": s.registry.List(enabledOnly)})
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.Get(chi.URLParam(r, "cameraID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	var cfg registry.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	view, err := s.registry.Register(cfg)
	switch {
	case err == nil:
		s.log.Info().Str("camera_id", view.CameraID).Msg("camera registered")
		writeJSON(w, http.StatusCreated, view)
	case errors.Is(err, registry.ErrDuplicateCamera):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleDeregisterCamera(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	if err := s.registry.Deregister(cameraID); err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	s.log.Info().Str("camera_id", cameraID).Msg("camera deregistered")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": cameraID})
}

type streamTokenRequest struct {
	CameraID string `json:"cameraId"`
}

func (s *Server) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req streamTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CameraID == "" {
		writeError(w, http.StatusBadRequest, "cameraId is required")
		return
	}

	issued, err := s.issuer.Issue(req.CameraID, claims.ClientID)
	switch {
	case err == nil:
		metrics.StreamTokensIssued.Inc()
		writeJSON(w, http.StatusOK, issued)
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "camera not found")
	case errors.Is(err, registry.ErrCameraDisabled):
		writeError(w, http.StatusForbidden, "camera disabled")
	default:
		writeError(w, http.StatusInternalServerError, "token issuance failed")
	}
}

type healthCallbackRequest struct {
	Reports []struct {
		CameraID string `json:"cameraId"`
		Status   string `json:"status"`
		Message  string `json:"message"`
	} `json:"reports"`
}

// handleHealthCallback is the sink for the gateway's periodic batches. It is
// authenticated by the pre-shared secret, not a client token.
func (s *Server) handleHealthCallback(w http.ResponseWriter, r *http.Request) {
	if s.gatewaySecret != "" && r.Header.Get("X-Gateway-Secret") != s.gatewaySecret {
		writeError(w, http.StatusUnauthorized, "bad gateway secret")
		return
	}

	var req healthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	updated := 0
	for _, rep := range req.Reports {
		if err := s.registry.UpdateStatus(rep.CameraID, registry.Status(rep.Status)); err != nil {
			s.log.Warn().
				Str("camera_id", rep.CameraID).
				Str("status", rep.Status).
				Err(err).
				Msg("health report ignored")
			continue
		}
		updated++
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
