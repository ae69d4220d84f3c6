// Package alert defines the inbound incident alert model and the OpsGenie
// webhook payload it is parsed from.
package alert

import (
	"encoding/json"
	"errors"
	"time"
)

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusReceived means the webhook was accepted, investigation not yet started.
	StatusReceived Status = "received"

	// StatusInvestigating means a session is currently running for this alert.
	StatusInvestigating Status = "investigating"

	// StatusCompleted means the investigation finished and the report was published.
	StatusCompleted Status = "completed"

	// StatusFailed means the investigation or the publish terminally failed.
	StatusFailed Status = "failed"
)

// Webhook is the push payload OpsGenie delivers on alert actions.
type Webhook struct {
	Action string  `json:"action"`
	Alert  Payload `json:"alert"`
}

// Payload is the alert body inside an OpsGenie webhook.
type Payload struct {
	AlertID     string   `json:"alertId"`
	TinyID      string   `json:"tinyId,omitempty"`
	Alias       string   `json:"alias,omitempty"`
	Message     string   `json:"message"`
	Description string   `json:"description,omitempty"`
	Entity      string   `json:"entity,omitempty"`
	Source      string   `json:"source,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   int64    `json:"createdAt,omitempty"` // epoch millis
}

// Alert is one incident notification as tracked by the dispatcher. Immutable
// once received except for Status.
type Alert struct {
	IncidentKey string          `json:"incident_key"`
	Status      Status          `json:"status"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`

	AlertID     string    `json:"alert_id"`
	Message     string    `json:"message"`
	Description string    `json:"description,omitempty"`
	Entity      string    `json:"entity,omitempty"`
	Source      string    `json:"source,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// ErrMissingFields is returned when the webhook payload lacks the fields an
// investigation cannot start without.
var ErrMissingFields = errors.New("webhook alert missing alertId or message")

// FromPayload builds an Alert from a parsed webhook payload. The incident key
// is the OpsGenie alias when present (OpsGenie's own dedup key), otherwise
// the alert id.
func FromPayload(p *Payload, raw json.RawMessage, receivedAt time.Time) (*Alert, error) {
	if p.AlertID == "" || p.Message == "" {
		return nil, ErrMissingFields
	}

	key := p.Alias
	if key == "" {
		key = p.AlertID
	}

	a := &Alert{
		IncidentKey: key,
		Status:      StatusReceived,
		Raw:         raw,
		ReceivedAt:  receivedAt,
		AlertID:     p.AlertID,
		Message:     p.Message,
		Description: p.Description,
		Entity:      p.Entity,
		Source:      p.Source,
		Priority:    p.Priority,
		Tags:        p.Tags,
	}
	if p.CreatedAt > 0 {
		a.CreatedAt = time.UnixMilli(p.CreatedAt).UTC()
	}
	return a, nil
}
