package alert

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFromPayload_UsesAliasAsIncidentKey(t *testing.T) {
	t.Parallel()

	p := &Payload{
		AlertID: "a1b2c3",
		Alias:   "INC-123",
		Message: "disk full on db-1",
	}

	a, err := FromPayload(p, nil, time.Now())
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	if a.IncidentKey != "INC-123" {
		t.Errorf("IncidentKey = %q, want %q", a.IncidentKey, "INC-123")
	}
	if a.Status != StatusReceived {
		t.Errorf("Status = %q, want %q", a.Status, StatusReceived)
	}
}

func TestFromPayload_FallsBackToAlertID(t *testing.T) {
	t.Parallel()

	p := &Payload{AlertID: "a1b2c3", Message: "disk full"}

	a, err := FromPayload(p, nil, time.Now())
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	if a.IncidentKey != "a1b2c3" {
		t.Errorf("IncidentKey = %q, want %q", a.IncidentKey, "a1b2c3")
	}
}

func TestFromPayload_MissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Payload
	}{
		{"no alertId", Payload{Message: "m"}},
		{"no message", Payload{AlertID: "id"}},
		{"empty", Payload{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := FromPayload(&tt.p, nil, time.Now())
			if !errors.Is(err, ErrMissingFields) {
				t.Errorf("err = %v, want ErrMissingFields", err)
			}
		})
	}
}

func TestFromPayload_CreatedAtMillis(t *testing.T) {
	t.Parallel()

	p := &Payload{
		AlertID:   "a1",
		Message:   "m",
		CreatedAt: 1756166400000, // 2025-08-26T00:00:00Z
	}

	a, err := FromPayload(p, nil, time.Now())
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	want := time.UnixMilli(1756166400000).UTC()
	if !a.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", a.CreatedAt, want)
	}
}

func TestWebhook_Decode(t *testing.T) {
	t.Parallel()

	body := `{
		"action": "Create",
		"alert": {
			"alertId": "52-abc",
			"tinyId": "99",
			"alias": "INC-52",
			"message": "High CPU on web-3",
			"entity": "web-3",
			"source": "prometheus",
			"priority": "P2",
			"tags": ["prod", "cpu"],
			"createdAt": 1756166400000
		}
	}`

	var wh Webhook
	if err := json.Unmarshal([]byte(body), &wh); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wh.Action != "Create" {
		t.Errorf("Action = %q, want Create", wh.Action)
	}
	if wh.Alert.AlertID != "52-abc" {
		t.Errorf("AlertID = %q, want 52-abc", wh.Alert.AlertID)
	}
	if wh.Alert.Priority != "P2" {
		t.Errorf("Priority = %q, want P2", wh.Alert.Priority)
	}
	if len(wh.Alert.Tags) != 2 {
		t.Errorf("Tags = %v, want 2 entries", wh.Alert.Tags)
	}
}
