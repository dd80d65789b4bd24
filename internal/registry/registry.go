package registry

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("camera not found")
	ErrDuplicateCamera = errors.New("camera already registered")
	ErrInvalidCameraID = errors.New("invalid camera id")
	ErrInvalidRTSPURL  = errors.New("rtsp url must start with rtsp://")
	ErrCameraDisabled  = errors.New("camera disabled")
	ErrBadStatus       = errors.New("unknown camera status")
)

// Status is the last reported health of a camera stream.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusError   Status = "ERROR"
)

func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline || s == StatusError
}

var cameraIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Camera is the internal record. RTSPURL is a secret: it never leaves the
// package except through RTSPSource, and views strip it.
type Camera struct {
	CameraID         string
	RTSPURL          string
	Location         string
	Enabled          bool
	RegisteredAt     time.Time
	Status           Status
	LastStatusUpdate time.Time
}

// View is the outward projection of a camera. No stream URL, ever.
type View struct {
	CameraID         string    `json:"cameraId"`
	Location         string    `json:"location"`
	Enabled          bool      `json:"enabled"`
	RegisteredAt     time.Time `json:"registeredAt"`
	Status           Status    `json:"status"`
	LastStatusUpdate time.Time `json:"lastStatusUpdate"`
}

func (c *Camera) view() View {
	return View{
		CameraID:         c.CameraID,
		Location:         c.Location,
		Enabled:          c.Enabled,
		RegisteredAt:     c.RegisteredAt,
		Status:           c.Status,
		LastStatusUpdate: c.LastStatusUpdate,
	}
}

// Config is the registration payload.
type Config struct {
	CameraID string `json:"cameraId" yaml:"camera_id"`
	RTSPURL  string `json:"rtspUrl"  yaml:"rtsp_url"`
	Location string `json:"location" yaml:"location"`
	Enabled  *bool  `json:"enabled"  yaml:"enabled"`
}

// Store is the in-memory camera table. Presence/session state elsewhere is
// ephemeral by design and so is this: it is rebuilt from the seed file or
// re-registration on boot.
type Store struct {
	mu      sync.RWMutex
	cameras map[string]*Camera
}

func NewStore() *Store {
	return &Store{cameras: make(map[string]*Camera)}
}

// Register validates and inserts a camera. Duplicates are rejected; Enabled
// defaults to true and Status to OFFLINE until the first health report.
func (s *Store) Register(cfg Config) (View, error) {
	if !cameraIDRegex.MatchString(cfg.CameraID) {
		return View{}, ErrInvalidCameraID
	}
	if !strings.HasPrefix(cfg.RTSPURL, "rtsp://") {
		return View{}, ErrInvalidRTSPURL
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cameras[cfg.CameraID]; exists {
		return View{}, ErrDuplicateCamera
	}
	now := time.Now().UTC()
	cam := &Camera{
		CameraID:         cfg.CameraID,
		RTSPURL:          cfg.RTSPURL,
		Location:         cfg.Location,
		Enabled:          enabled,
		RegisteredAt:     now,
		Status:           StatusOffline,
		LastStatusUpdate: now,
	}
	s.cameras[cfg.CameraID] = cam
	return cam.view(), nil
}

// Deregister removes a camera.
func (s *Store) Deregister(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cameras[cameraID]; !ok {
		return ErrNotFound
	}
	delete(s.cameras, cameraID)
	return nil
}

// Get returns the outward projection of one camera.
func (s *Store) Get(cameraID string) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cam, ok := s.cameras[cameraID]
	if !ok {
		return View{}, ErrNotFound
	}
	return cam.view(), nil
}

// List returns projections, optionally only enabled cameras, sorted by id.
func (s *Store) List(enabledOnly bool) []View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]View, 0, len(s.cameras))
	for _, cam := range s.cameras {
		if enabledOnly && !cam.Enabled {
			continue
		}
		views = append(views, cam.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CameraID < views[j].CameraID })
	return views
}

// UpdateStatus records a health report for a camera.
func (s *Store) UpdateStatus(cameraID string, status Status) error {
	if !status.Valid() {
		return ErrBadStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cam, ok := s.cameras[cameraID]
	if !ok {
		return ErrNotFound
	}
	cam.Status = status
	cam.LastStatusUpdate = time.Now().UTC()
	return nil
}

// RTSPSource hands the secret stream URL to the transcoding supervisor.
// Callers must mask it before logging.
func (s *Store) RTSPSource(cameraID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cam, ok := s.cameras[cameraID]
	if !ok {
		return "", ErrNotFound
	}
	if !cam.Enabled {
		return "", ErrCameraDisabled
	}
	return cam.RTSPURL, nil
}

// EnabledCamera reports whether the camera exists and is enabled, for the
// token issuer's admission check.
func (s *Store) EnabledCamera(cameraID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cam, ok := s.cameras[cameraID]
	if !ok {
		return ErrNotFound
	}
	if !cam.Enabled {
		return ErrCameraDisabled
	}
	return nil
}
