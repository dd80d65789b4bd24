package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/registry"
)

var viewerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

const viewerPingPeriod = 45 * time.Second

// Server exposes the gateway's HTTP surface: health, camera admin, token
// validation, the viewer stream path and the HLS fallback.
type Server struct {
	sup      *Supervisor
	admitter *Admitter
	registry *registry.Store
	log      zerolog.Logger
}

func NewGatewayServer(sup *Supervisor, admitter *Admitter, reg *registry.Store, log zerolog.Logger) *Server {
	return &Server{sup: sup, admitter: admitter, registry: reg, log: log}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/validate-token", s.handleValidateToken)
	r.Post("/register-camera", s.handleRegisterCamera)
	r.Get("/cameras", s.handleListCameras)
	r.Get("/webrtc", s.handleViewer)
	r.Get("/hls/{cameraID}/{file}", s.handleHLS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workers":   s.sup.Snapshot(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "reason": "malformed JSON body"})
		return
	}
	claims, err := s.admitter.Check(body.Token)
	if err != nil {
		var adm *AdmissionError
		reason := "invalid token"
		if errors.As(err, &adm) {
			reason = adm.Reason
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "reason": reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"cameraId":  claims.CameraID,
		"expiresAt": claims.ExpiresAt,
	})
}

func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	var cfg registry.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
		return
	}
	view, err := s.registry.Register(cfg)
	switch {
	case err == nil:
		s.log.Info().Str("camera_id", view.CameraID).Msg("camera registered")
		writeJSON(w, http.StatusCreated, view)
	case errors.Is(err, registry.ErrDuplicateCamera):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"cameras": s.registry.List(enabledOnly)})
}

// handleViewer is the media path. The upgrade happens before admission so
// browser clients can read the close reason; failures close with policy
// violation (1008) and one of the stable reasons.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := viewerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("viewer upgrade failed")
		return
	}
	defer conn.Close()

	claims, err := s.admitter.Admit(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		closeWithReason(conn, err.Error())
		return
	}

	viewerID := uuid.New().String()
	viewer, worker, err := s.sup.Attach(claims.CameraID, viewerID)
	if err != nil {
		closeWithReason(conn, attachReason(err))
		return
	}
	defer worker.Detach(viewer)

	log := s.log.With().
		Str("camera_id", claims.CameraID).
		Str("viewer_id", viewerID).
		Logger()
	log.Info().Msg("viewer attached")

	// Inbound frames are ignored; reads only surface disconnects.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(viewerPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-viewer.Frames:
			if !ok {
				// The worker dropped us: overflow or permanent failure.
				closeWithReason(conn, "stream unavailable")
				log.Info().Msg("viewer dropped by worker")
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			log.Info().Msg("viewer disconnected")
			return
		}
	}
}

// handleHLS is the monitor-requested fallback. Players re-fetch the rolling
// playlist, so the token is validated on every fetch without being consumed;
// single use stays a property of the persistent viewer path.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	file := chi.URLParam(r, "file")
	if filepath.Base(file) != file {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	claims, err := s.admitter.Check(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if claims.CameraID != cameraID {
		http.Error(w, "token bound to another camera", http.StatusForbidden)
		return
	}

	dir, err := s.sup.EnsureHLS(cameraID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "camera not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, file))
}

func closeWithReason(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func attachReason(err error) string {
	switch {
	case errors.Is(err, ErrViewerLimit):
		return "Viewer limit reached"
	case errors.Is(err, ErrWorkerFailed):
		return "Stream permanently failed"
	case errors.Is(err, registry.ErrNotFound):
		return "Camera not found"
	case errors.Is(err, registry.ErrCameraDisabled):
		return "Camera disabled"
	default:
		return "Stream unavailable"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
