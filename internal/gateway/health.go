package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/events"
)

// HealthRecord is one entry of the batch posted to the control plane's
// health-callback endpoint.
type HealthRecord struct {
	CameraID string `json:"cameraId"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// GatewaySecretHeader authenticates gateway-to-control-plane callbacks.
const GatewaySecretHeader = "X-Gateway-Secret"

// Reporter periodically posts worker health to the control plane and mirrors
// it onto the event bus. A failed post is logged and retried on the next
// tick; it never stops the loop.
type Reporter struct {
	sup      *Supervisor
	url      string
	secret   string
	interval time.Duration
	client   *http.Client
	events   *events.Publisher
	log      zerolog.Logger
}

func NewReporter(sup *Supervisor, callbackURL, secret string, interval time.Duration, pub *events.Publisher, log zerolog.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		sup:      sup,
		url:      callbackURL,
		secret:   secret,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		events:   pub,
		log:      log,
	}
}

// Run reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reportOnce(ctx); err != nil {
				r.log.Warn().Err(err).Msg("health report failed")
			}
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) error {
	records := healthRecords(r.sup.Snapshot())
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if err := r.events.StreamHealth(events.StreamHealthEvent{
			CameraID: rec.CameraID,
			Status:   rec.Status,
			Message:  rec.Message,
			LastSeen: now,
		}); err != nil {
			r.log.Warn().Err(err).Str("camera_id", rec.CameraID).Msg("stream health event publish failed")
		}
	}

	if r.url == "" {
		return nil
	}
	return r.post(ctx, records)
}

func (r *Reporter) post(ctx context.Context, records []HealthRecord) error {
	body, err := json.Marshal(map[string]any{"reports": records})
	if err != nil {
		return fmt.Errorf("marshal health batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set(GatewaySecretHeader, r.secret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post health batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health callback returned %d", resp.StatusCode)
	}
	r.log.Debug().Int("cameras", len(records)).Msg("health batch reported")
	return nil
}

// healthRecords folds worker snapshots into per-camera records. The primary
// variant wins; an HLS-only camera still reports.
func healthRecords(snapshots []WorkerSnapshot) []HealthRecord {
	byCamera := make(map[string]HealthRecord)
	order := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		if _, seen := byCamera[snap.CameraID]; seen && snap.Variant == VariantHLS {
			continue
		}
		if _, seen := byCamera[snap.CameraID]; !seen {
			order = append(order, snap.CameraID)
		}
		byCamera[snap.CameraID] = HealthRecord{
			CameraID: snap.CameraID,
			Status:   statusFor(snap),
			Message:  snap.Message,
		}
	}
	out := make([]HealthRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byCamera[id])
	}
	return out
}

func statusFor(snap WorkerSnapshot) string {
	switch snap.State {
	case WorkerRunning.String():
		return "ONLINE"
	case WorkerError.String():
		return "ERROR"
	default:
		return "OFFLINE"
	}
}
