// Package analysisapi exposes run submission and lookup over HTTP.
package analysisapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
	"github.com/linnemanlabs/panelscope/internal/relevance"
	"github.com/linnemanlabs/panelscope/internal/runs"
)

// maxBody caps request bodies; Alertmanager batches stay well below this.
const maxBody = 1 << 20

// RunService defines the business operations analysisapi needs.
type RunService interface {
	Submit(ctx context.Context, req runs.Request) (*runs.SubmitResult, error)
	Get(ctx context.Context, id string) (*runs.Record, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
}

// New creates a new API handler.
func New(logger log.Logger, svc RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyses", a.handleSubmit)
		r.Get("/analyses/{id}", a.handleGet)
		r.Post("/alerts", a.handleAlerts)
	})
}

type submitRequest struct {
	DashboardURL string `json:"dashboard_url"`
	Subject      string `json:"subject"`
	Strategy     string `json:"strategy,omitempty"`
	Channel      string `json:"channel,omitempty"`
	ThreadTS     string `json:"thread_ts,omitempty"`
}

type submitResponse struct {
	ID      string `json:"id"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("panelscope.dashboard.url", body.DashboardURL),
		attribute.String("panelscope.subject", body.Subject),
	)

	res, err := a.svc.Submit(r.Context(), runs.Request{
		DashboardURL: body.DashboardURL,
		Subject:      body.Subject,
		Strategy:     relevance.Strategy(body.Strategy),
		Channel:      body.Channel,
		ThreadTS:     body.ThreadTS,
	})
	if err != nil {
		code, msg := submitErrorStatus(err)
		if code == http.StatusInternalServerError {
			a.logger.Error(r.Context(), err, "failed to submit analysis", "dashboard_url", body.DashboardURL)
		}
		writeError(w, code, msg)
		return
	}

	span.SetAttributes(attribute.String("panelscope.run.id", res.ID))

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{ID: res.ID, Skipped: res.Skipped, Reason: res.Reason})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("panelscope.run.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get run", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("panelscope.run.status", string(rec.Status)))
	writeJSON(w, http.StatusOK, rec)
}

// submitErrorStatus maps a Submit error to a response code and a message safe
// to return to the caller.
func submitErrorStatus(err error) (int, string) {
	var ire *dashboard.InvalidReferenceError
	switch {
	case errors.As(err, &ire):
		return http.StatusBadRequest, ire.Error()
	case errors.Is(err, runs.ErrNoThread), errors.Is(err, runs.ErrUnknownStrategy):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
