package webhookapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

// actionCreate is the only OpsGenie webhook action that starts an
// investigation. Acknowledge/close/note actions are acknowledged and skipped.
const actionCreate = "Create"

// maxWebhookBytes caps the accepted payload size.
const maxWebhookBytes = 1 << 20

// webhookResponse is the per-alert disposition returned to OpsGenie.
type webhookResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	var wh alert.Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.webhook.action", wh.Action))

	if wh.Action != actionCreate {
		a.logger.Info(r.Context(), "webhook action skipped", "action", wh.Action)
		writeDisposition(w, &webhookResponse{
			Outcome: string(investigation.OutcomeSkipped),
			Reason:  "action is not Create",
		})
		return
	}

	al, err := alert.FromPayload(&wh.Alert, body, time.Now())
	if err != nil {
		if errors.Is(err, alert.ErrMissingFields) {
			http.Error(w, `{"error":"alert missing required fields"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, `{"error":"invalid alert"}`, http.StatusBadRequest)
		return
	}

	span.SetAttributes(attribute.String("inquest.incident.key", al.IncidentKey))

	sr, err := a.svc.Submit(r.Context(), al)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit alert",
			"incident_key", al.IncidentKey,
		)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	a.logger.Info(r.Context(), "webhook accepted",
		"incident_key", al.IncidentKey,
		"session_id", sr.ID,
		"outcome", string(sr.Outcome),
	)
	span.SetAttributes(attribute.String("inquest.submit.outcome", string(sr.Outcome)))

	writeDisposition(w, &webhookResponse{
		SessionID: sr.ID,
		Outcome:   string(sr.Outcome),
		Reason:    sr.Reason,
	})
}

func writeDisposition(w http.ResponseWriter, resp *webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}
