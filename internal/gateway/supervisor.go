package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/registry"
)

// Options carries the supervisor's tunables; zero values fall back to the
// documented defaults.
type Options struct {
	MaxViewersPerCamera int
	IdleTimeout         time.Duration
	RestartDelay        time.Duration
	MaxRestarts         int
	ReapInterval        time.Duration
	HLSRoot             string
	FFmpegBinary        string
}

func (o *Options) withDefaults() {
	if o.MaxViewersPerCamera <= 0 {
		o.MaxViewersPerCamera = 10
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 5 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.HLSRoot == "" {
		o.HLSRoot = filepath.Join(os.TempDir(), "ts-kiosk-hls")
	}
}

// Supervisor owns the worker table: at most one primary worker and one HLS
// worker per camera. The registry supplies stream sources; workers are
// started lazily on first admission.
type Supervisor struct {
	registry *registry.Store
	run      runner
	log      zerolog.Logger
	opts     Options

	mu      sync.Mutex
	workers map[string]*Worker
	hls     map[string]*Worker
}

func NewSupervisor(reg *registry.Store, run runner, opts Options, log zerolog.Logger) *Supervisor {
	opts.withDefaults()
	if run == nil {
		run = newExecRunner(opts.FFmpegBinary)
	}
	return &Supervisor{
		registry: reg,
		run:      run,
		log:      log,
		opts:     opts,
		workers:  make(map[string]*Worker),
		hls:      make(map[string]*Worker),
	}
}

// Attach admits one viewer to a camera's primary stream, starting or
// replacing the worker as needed. The returned viewer must be handed back
// via Detach when its connection closes.
func (s *Supervisor) Attach(cameraID, viewerID string) (*Viewer, *Worker, error) {
	w, err := s.ensure(s.workers, cameraID, VariantMPEGTS)
	if err != nil {
		return nil, nil, err
	}
	v := newViewer(viewerID)
	if err := w.Attach(v, s.opts.MaxViewersPerCamera); err != nil {
		return nil, nil, err
	}
	return v, w, nil
}

// EnsureHLS starts (or reuses) the fallback variant for a camera and returns
// the directory its playlist is written to. Each call counts as activity.
func (s *Supervisor) EnsureHLS(cameraID string) (string, error) {
	w, err := s.ensure(s.hls, cameraID, VariantHLS)
	if err != nil {
		return "", err
	}
	w.Touch()
	return w.hlsDir, nil
}

// ensure returns a live worker for the camera, replacing one that stopped
// or exhausted its restarts.
func (s *Supervisor) ensure(table map[string]*Worker, cameraID string, variant Variant) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := table[cameraID]; ok && !w.Stopped() && !w.Failed() {
		return w, nil
	}

	rtspURL, err := s.registry.RTSPSource(cameraID)
	if err != nil {
		return nil, err
	}

	hlsDir := ""
	if variant == VariantHLS {
		hlsDir = filepath.Join(s.opts.HLSRoot, cameraID)
		if err := os.MkdirAll(hlsDir, 0o755); err != nil {
			return nil, fmt.Errorf("hls dir: %w", err)
		}
	}

	w := newWorker(cameraID, rtspURL, variant, hlsDir, s.run, s.opts.RestartDelay, s.opts.MaxRestarts, s.log)
	w.Start(context.Background())
	table[cameraID] = w
	return w, nil
}

// Snapshot reports every tracked worker, primary first, sorted by camera id.
func (s *Supervisor) Snapshot() []WorkerSnapshot {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers)+len(s.hls))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	for _, w := range s.hls {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CameraID != out[j].CameraID {
			return out[i].CameraID < out[j].CameraID
		}
		return out[i].Variant < out[j].Variant
	})
	return out
}

// RunReaper stops workers with no viewers past the idle timeout, scanning
// every reap interval until ctx is cancelled.
func (s *Supervisor) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Supervisor) reap() {
	now := time.Now()
	for _, table := range []map[string]*Worker{s.workers, s.hls} {
		s.mu.Lock()
		var idle []*Worker
		var ids []string
		for id, w := range table {
			if w.Stopped() {
				delete(table, id)
				continue
			}
			if !w.Failed() && w.IdleSince(now) > s.opts.IdleTimeout {
				idle = append(idle, w)
				ids = append(ids, id)
			}
		}
		for _, id := range ids {
			delete(table, id)
		}
		s.mu.Unlock()

		for i, w := range idle {
			s.log.Info().Str("camera_id", ids[i]).Msg("stopping idle worker")
			w.Stop()
		}
	}
}

// StopAll gracefully stops every worker; used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	all := make([]*Worker, 0, len(s.workers)+len(s.hls))
	for id, w := range s.workers {
		all = append(all, w)
		delete(s.workers, id)
	}
	for id, w := range s.hls {
		all = append(all, w)
		delete(s.hls, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range all {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
