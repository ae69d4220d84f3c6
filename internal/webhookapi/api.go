// Package webhookapi exposes the OpsGenie webhook endpoint and the session
// read API.
package webhookapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

// InvestigationService defines the business operations webhookapi needs.
type InvestigationService interface {
	Submit(ctx context.Context, al *alert.Alert) (*investigation.SubmitResult, error)
	Get(ctx context.Context, id string) (*investigation.Session, bool, error)
	GetByIncidentKey(ctx context.Context, key string) (*investigation.Session, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    InvestigationService
}

// New creates a new API handler.
func New(logger log.Logger, svc InvestigationService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("investigation service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/opsgenie", a.handleWebhook)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions/{id}", a.handleGetSession)
		r.Get("/sessions", a.handleGetSessionByKey)
	})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.session.id", id))

	sess, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get session", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("inquest.session.state", string(sess.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess)
}

func (a *API) handleGetSessionByKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("incident_key")
	if key == "" {
		http.Error(w, `{"error":"incident_key query parameter is required"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.incident.key", key))

	sess, ok, err := a.svc.GetByIncidentKey(r.Context(), key)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get session by incident key", "incident_key", key)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("inquest.session.state", string(sess.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess)
}
