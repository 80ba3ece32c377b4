package analysisapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/panelscope/internal/runs"
)

// Annotation and label keys read from Alertmanager alerts.
const (
	annotationDashboardURL        = "dashboard_url"
	annotationGrafanaDashboardURL = "grafana_dashboard_url"
	annotationSlackChannel        = "slack_channel"
	annotationSlackThreadTS       = "slack_thread_ts"
	labelAlertName                = "alertname"
)

// Webhook is the Alertmanager webhook payload. Alerts sharing a GroupKey
// arrive together.
type Webhook struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	TruncatedAlerts   int               `json:"truncatedAlerts"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []Alert           `json:"alerts"`
}

// Alert is a single alert within a webhook payload.
type Alert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// DashboardURL returns the dashboard the alert links to, if any.
func (al *Alert) DashboardURL() string {
	if u := al.Annotations[annotationDashboardURL]; u != "" {
		return u
	}
	return al.Annotations[annotationGrafanaDashboardURL]
}

// Request converts the alert into a run request. Channel and thread stay
// empty when not annotated so the service defaults apply.
func (al *Alert) Request() runs.Request {
	return runs.Request{
		DashboardURL: al.DashboardURL(),
		Subject:      al.Labels[labelAlertName],
		Channel:      al.Annotations[annotationSlackChannel],
		ThreadTS:     al.Annotations[annotationSlackThreadTS],
	}
}

type alertsResponse struct {
	Accepted []string `json:"accepted"`
	Skipped  int      `json:"skipped"`
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var wh Webhook
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&wh); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("panelscope.webhook.receiver", wh.Receiver),
		attribute.Int("panelscope.webhook.alerts", len(wh.Alerts)),
	)
	if wh.TruncatedAlerts > 0 {
		a.logger.Warn(r.Context(), "alertmanager truncated the batch", "truncated", wh.TruncatedAlerts, "group_key", wh.GroupKey)
	}

	resp := alertsResponse{Accepted: []string{}}
	for i := range wh.Alerts {
		al := &wh.Alerts[i]
		L := a.logger.With("alertname", al.Labels[labelAlertName], "fingerprint", al.Fingerprint)

		// resolved alerts have nothing left to explain
		if al.Status != "firing" || al.DashboardURL() == "" {
			resp.Skipped++
			continue
		}

		res, err := a.svc.Submit(r.Context(), al.Request())
		if err != nil {
			// one bad alert must not drop the rest of the batch
			L.Warn(r.Context(), "alert not submitted", "error", err.Error())
			resp.Skipped++
			continue
		}
		if res.Skipped {
			L.Info(r.Context(), "alert skipped", "reason", res.Reason, "run_id", res.ID)
			resp.Skipped++
			continue
		}
		resp.Accepted = append(resp.Accepted, res.ID)
	}

	writeJSON(w, http.StatusAccepted, resp)
}
