// Package events publishes presence and stream-health notifications to NATS
// for other control-plane consumers (dashboards, alerting). The publisher is
// optional: a nil *Publisher is safe to call and does nothing.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectKioskOnline  = "kiosk.presence.online"
	SubjectKioskOffline = "kiosk.presence.offline"
	SubjectStreamHealth = "cctv.stream.health"
)

type PresenceEvent struct {
	KioskID   string    `json:"kioskId"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

type StreamHealthEvent struct {
	CameraID string    `json:"cameraId"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// Publisher wraps a NATS connection with bounded retry.
type Publisher struct {
	conn       *nats.Conn
	maxRetries int
}

func NewPublisher(conn *nats.Conn, maxRetries int) *Publisher {
	return &Publisher{conn: conn, maxRetries: maxRetries}
}

// Connect dials NATS and returns a publisher, or (nil, err). Callers treat a
// nil publisher as "events disabled".
func Connect(url, name string, maxRetries int) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewPublisher(nc, maxRetries), nil
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

func (p *Publisher) KioskOnline(kioskID string) error {
	return p.publish(SubjectKioskOnline, PresenceEvent{KioskID: kioskID, Timestamp: time.Now().UTC()})
}

func (p *Publisher) KioskOffline(kioskID, reason string) error {
	return p.publish(SubjectKioskOffline, PresenceEvent{KioskID: kioskID, Timestamp: time.Now().UTC(), Reason: reason})
}

func (p *Publisher) StreamHealth(evt StreamHealthEvent) error {
	return p.publish(SubjectStreamHealth, evt)
}

func (p *Publisher) publish(subject string, v any) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for i := 0; ; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		if i >= p.maxRetries {
			break
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return fmt.Errorf("publish %s failed after %d retries: %w", subject, p.maxRetries, err)
}
