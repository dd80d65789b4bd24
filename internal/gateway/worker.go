package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/logging"
	"github.com/technosupport/ts-kiosk/internal/metrics"
)

var (
	ErrViewerLimit  = errors.New("viewer limit reached")
	ErrWorkerFailed = errors.New("worker permanently failed")
)

// WorkerState is the lifecycle state of one transcoding worker.
type WorkerState int

const (
	WorkerStarting WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
	WorkerError
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "STARTING"
	case WorkerRunning:
		return "RUNNING"
	case WorkerStopping:
		return "STOPPING"
	case WorkerStopped:
		return "STOPPED"
	case WorkerError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	stopKillTimeout = 5 * time.Second
	readChunkSize   = 32 * 1024
	viewerQueueSize = 64
)

// Viewer is one admitted consumer of a camera's frame stream. Frames is
// closed by the worker when the viewer is dropped (queue overflow or worker
// permanent failure); a viewer that leaves on its own calls Detach instead.
type Viewer struct {
	ID     string
	Frames chan []byte
}

func newViewer(id string) *Viewer {
	return &Viewer{ID: id, Frames: make(chan []byte, viewerQueueSize)}
}

// Worker owns one camera's transcoder child, its viewer set and its restart
// policy. The supervisor creates one per camera on first admission.
type Worker struct {
	cameraID     string
	variant      Variant
	rtspURL      string
	hlsDir       string
	run          runner
	log          zerolog.Logger
	restartDelay time.Duration
	maxRestarts  int

	mu            sync.Mutex
	state         WorkerState
	message       string
	attempts      int
	producing     bool
	stopRequested bool
	proc          process
	viewers       map[*Viewer]struct{}
	lastActivity  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(cameraID, rtspURL string, variant Variant, hlsDir string, run runner, restartDelay time.Duration, maxRestarts int, log zerolog.Logger) *Worker {
	return &Worker{
		cameraID:     cameraID,
		variant:      variant,
		rtspURL:      rtspURL,
		hlsDir:       hlsDir,
		run:          run,
		restartDelay: restartDelay,
		maxRestarts:  maxRestarts,
		log: log.With().
			Str("camera_id", cameraID).
			Str("variant", string(variant)).
			Str("source", logging.MaskURL(rtspURL)).
			Logger(),
		state:        WorkerStarting,
		viewers:      make(map[*Viewer]struct{}),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// Start launches the supervision loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
}

// loop runs the restart cycle until a graceful stop, cancellation, or the
// restart cap.
func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		w.setState(WorkerStarting, "")
		w.log.Info().Msg("starting transcoder")

		proc, err := w.run.Start(ctx, transcodeArgs(w.rtspURL, w.variant, w.hlsDir))
		if err != nil {
			w.log.Error().Err(err).Msg("transcoder spawn failed")
		} else {
			w.mu.Lock()
			w.proc = proc
			stopping := w.stopRequested
			w.mu.Unlock()
			if stopping || ctx.Err() != nil {
				// Stop raced the spawn; the child it saw was nil.
				_ = proc.Terminate()
			}

			if w.variant == VariantHLS {
				// HLS output lands on disk; a successful spawn is as
				// good as first output.
				w.setRunning()
			}
			w.pump(proc)
			_ = proc.Wait()

			w.mu.Lock()
			w.proc = nil
			w.mu.Unlock()
		}

		w.mu.Lock()
		if w.producing {
			w.producing = false
			metrics.WorkersRunning.Dec()
		}
		if w.stopRequested || ctx.Err() != nil {
			w.state = WorkerStopped
			w.mu.Unlock()
			w.log.Info().Msg("transcoder stopped")
			return
		}
		w.attempts++
		w.state = WorkerError
		if w.attempts >= w.maxRestarts {
			w.message = "Max restart attempts reached"
			w.dropAllLocked("worker_failed")
			w.mu.Unlock()
			w.log.Error().Int("attempts", w.attempts).Msg("restart cap reached, worker failed")
			return
		}
		attempt := w.attempts
		w.mu.Unlock()

		metrics.WorkerRestarts.Inc()
		w.log.Warn().Int("attempt", attempt).Msg("transcoder exited, restarting")
		select {
		case <-ctx.Done():
			w.setState(WorkerStopped, "")
			return
		case <-time.After(w.restartDelay):
		}
	}
}

// pump reads stdout chunks and fans them out. Returns when the child's
// output closes.
func (w *Worker) pump(proc process) {
	out := proc.Output()
	defer out.Close()
	buf := make([]byte, readChunkSize)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			w.relay(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// relay hands one chunk to every viewer. The first chunk flips the worker to
// RUNNING and resets the failure counter. Slow viewers are dropped, never
// waited on.
func (w *Worker) relay(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WorkerStarting {
		w.state = WorkerRunning
		w.attempts = 0
		w.producing = true
		metrics.WorkersRunning.Inc()
		w.log.Info().Msg("transcoder producing output")
	}
	if len(w.viewers) == 0 {
		return
	}
	w.lastActivity = time.Now()
	frame := make([]byte, len(chunk))
	copy(frame, chunk)
	for v := range w.viewers {
		select {
		case v.Frames <- frame:
			metrics.FramesRelayed.Inc()
		default:
			delete(w.viewers, v)
			close(v.Frames)
			metrics.ViewersConnected.Dec()
			metrics.ViewersDropped.WithLabelValues("overflow").Inc()
			w.log.Warn().Str("viewer_id", v.ID).Msg("viewer queue overflow, dropped")
		}
	}
}

func (w *Worker) setRunning() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WorkerStarting {
		w.state = WorkerRunning
		w.attempts = 0
		w.producing = true
		metrics.WorkersRunning.Inc()
	}
}

func (w *Worker) setState(state WorkerState, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	w.message = message
}

// Stop ends the worker gracefully: SIGTERM, then a hard kill if the child
// has not exited within 5 s. Blocks until the loop has finished.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopRequested = true
	if w.state == WorkerRunning || w.state == WorkerStarting {
		w.state = WorkerStopping
	}
	proc := w.proc
	w.mu.Unlock()

	if proc != nil {
		_ = proc.Terminate()
	}
	if w.cancel != nil {
		w.cancel()
	}

	select {
	case <-w.done:
	case <-time.After(stopKillTimeout):
		w.mu.Lock()
		proc = w.proc
		w.mu.Unlock()
		if proc != nil {
			w.log.Warn().Msg("transcoder ignored SIGTERM, killing")
			_ = proc.Kill()
		}
		<-w.done
	}
}

// Attach admits a viewer, enforcing the per-camera cap.
func (w *Worker) Attach(v *Viewer, maxViewers int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failedLocked() {
		return ErrWorkerFailed
	}
	if len(w.viewers) >= maxViewers {
		return ErrViewerLimit
	}
	w.viewers[v] = struct{}{}
	w.lastActivity = time.Now()
	metrics.ViewersConnected.Inc()
	return nil
}

// Detach removes a viewer that left on its own. Safe to call after the
// worker already dropped it.
func (w *Worker) Detach(v *Viewer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.viewers[v]; !ok {
		return
	}
	delete(w.viewers, v)
	w.lastActivity = time.Now()
	metrics.ViewersConnected.Dec()
}

// Touch refreshes viewer activity; used by the HLS path where consumption
// happens over plain HTTP fetches rather than attached viewers.
func (w *Worker) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = time.Now()
}

func (w *Worker) dropAllLocked(reason string) {
	for v := range w.viewers {
		delete(w.viewers, v)
		close(v.Frames)
		metrics.ViewersConnected.Dec()
		metrics.ViewersDropped.WithLabelValues(reason).Inc()
	}
}

func (w *Worker) failedLocked() bool {
	return w.state == WorkerError && w.attempts >= w.maxRestarts
}

// Failed reports whether the restart cap has been exhausted.
func (w *Worker) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failedLocked()
}

// Stopped reports whether the loop has ended without permanent failure.
func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == WorkerStopped
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) ViewerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.viewers)
}

// IdleSince reports how long the worker has had no viewers and no activity.
// Zero means it currently has viewers.
func (w *Worker) IdleSince(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.viewers) > 0 {
		return 0
	}
	return now.Sub(w.lastActivity)
}

// WorkerSnapshot is one worker's health view.
type WorkerSnapshot struct {
	CameraID    string  `json:"cameraId"`
	Variant     Variant `json:"variant"`
	State       string  `json:"state"`
	ViewerCount int     `json:"viewerCount"`
	Message     string  `json:"message,omitempty"`
}

func (w *Worker) snapshot() WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerSnapshot{
		CameraID:    w.cameraID,
		Variant:     w.variant,
		State:       w.state.String(),
		ViewerCount: len(w.viewers),
		Message:     w.message,
	}
}
