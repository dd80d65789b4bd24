// Package metrics exposes the prometheus collectors shared by the hub and
// the gateway. Low cardinality only: codes and roles, never client ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Signaling plane.
	ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kiosk_hub_clients_connected",
		Help: "Currently registered signaling clients by role",
	}, []string{"role"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_hub_sessions_active",
		Help: "Active monitoring sessions",
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_hub_calls_active",
		Help: "Sessions currently in CONNECTED call state",
	})

	SignalingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_hub_signaling_errors_total",
		Help: "Structured error events emitted by code",
	}, []string{"code"})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_hub_sessions_reaped_total",
		Help: "Sessions ended by the inactivity reaper",
	})

	// Token plane.
	StreamTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_stream_tokens_issued_total",
		Help: "Stream tokens minted by the control backend",
	})

	AdmissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_gateway_admissions_rejected_total",
		Help: "Viewer admissions rejected by reason",
	}, []string{"reason"})

	// Data plane.
	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_gateway_workers_running",
		Help: "Stream workers currently in RUNNING state",
	})

	ViewersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_gateway_viewers_connected",
		Help: "Viewer connections currently attached to workers",
	})

	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_gateway_worker_restarts_total",
		Help: "Automatic worker restarts after unexpected exits",
	})

	FramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_gateway_frames_relayed_total",
		Help: "Frame chunks fanned out to viewers",
	})

	ViewersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_gateway_viewers_dropped_total",
		Help: "Viewers dropped by reason (overflow, worker_failed)",
	}, []string{"reason"})
)
