package pipeline

import (
	"time"

	"github.com/linnemanlabs/panelscope/internal/notify"
	"github.com/linnemanlabs/panelscope/internal/relevance"
)

// Stage names a step of a run.
type Stage string

const (
	StageResolving      Stage = "resolving"
	StageCatalogFetched Stage = "catalog_fetched"
	StageFiltering      Stage = "filtering"
	StageRendering      Stage = "rendering"
	StageFetching       Stage = "fetching"
	StageAnalyzing      Stage = "analyzing"
	StagePublishing     Stage = "publishing"
	StageCleaningUp     Stage = "cleaning_up"
	StageDone           Stage = "done"
)

// PanelStatus is the final state of one panel's sub-pipeline.
type PanelStatus string

const (
	PanelPublished PanelStatus = "published"
	PanelFailed    PanelStatus = "failed"
)

// Config is everything one run needs besides its collaborators.
type Config struct {
	// RunID labels logs, spans and archive keys; generated when empty.
	RunID        string
	DashboardURL string
	// Subject is the alert subject. Empty disables the relevance filter.
	Subject  string
	Strategy relevance.Strategy
	Channel  string
	ThreadTS string
	// KeepImages skips cleanup; only meant for local debugging.
	KeepImages bool
}

// PanelOutcome records what happened to one selected panel.
type PanelOutcome struct {
	PanelID    string      `json:"panel_id"`
	Title      string      `json:"title"`
	Status     PanelStatus `json:"status"`
	Stage      Stage       `json:"stage"`
	StatusCode int         `json:"status_code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Degraded   bool        `json:"analysis_degraded,omitempty"`
	Analysis   string      `json:"analysis,omitempty"`
	ArchiveURL string      `json:"archive_url,omitempty"`
	Ack        *notify.Ack `json:"ack,omitempty"`
	Duration   float64     `json:"duration_seconds"`
}

// Report summarizes a run. A run that reached StageDone succeeded even when
// some panels failed.
type Report struct {
	RunID                  string             `json:"run_id"`
	Dashboard              string             `json:"dashboard"`
	Subject                string             `json:"subject,omitempty"`
	Strategy               relevance.Strategy `json:"strategy"`
	Stage                  Stage              `json:"stage"`
	Error                  string             `json:"error,omitempty"`
	Considered             int                `json:"panels_considered"`
	Selected               int                `json:"panels_selected"`
	ClassificationFailures int                `json:"classification_failures,omitempty"`
	Panels                 []PanelOutcome     `json:"panels"`
	StartedAt              time.Time          `json:"started_at"`
	CompletedAt            time.Time          `json:"completed_at"`
	Duration               float64            `json:"duration_seconds"`
}

// Published counts panels that reached the thread.
func (r *Report) Published() int {
	n := 0
	for _, p := range r.Panels {
		if p.Status == PanelPublished {
			n++
		}
	}
	return n
}

// Failed counts panels that did not reach the thread.
func (r *Report) Failed() int {
	return len(r.Panels) - r.Published()
}

// Done reports whether the run got past panel selection.
func (r *Report) Done() bool {
	return r.Stage == StageDone
}
