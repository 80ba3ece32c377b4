// Package runs tracks analysis runs submitted to the server: it deduplicates
// submissions, dispatches them to the pipeline asynchronously and persists
// their lifecycle.
package runs

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/linnemanlabs/panelscope/internal/pipeline"
	"github.com/linnemanlabs/panelscope/internal/relevance"
)

// Status tracks where a run is in its lifecycle.
type Status string

const (
	// StatusPending means accepted, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means the pipeline is running
	StatusInProgress Status = "in_progress"

	// StatusComplete means the pipeline reached done; panels may still have failed
	StatusComplete Status = "complete"

	// StatusFailed means the pipeline stopped on a fatal error
	StatusFailed Status = "failed"
)

// Active reports whether a run with this status blocks a duplicate submission.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Record is the persisted state of one run.
type Record struct {
	ID           string             `json:"id"`
	Fingerprint  string             `json:"fingerprint"`
	Status       Status             `json:"status"`
	DashboardURL string             `json:"dashboard_url"`
	Subject      string             `json:"subject,omitempty"`
	Strategy     relevance.Strategy `json:"strategy,omitempty"`
	Channel      string             `json:"channel"`
	ThreadTS     string             `json:"thread_ts"`
	Error        string             `json:"error,omitempty"`
	Report       *pipeline.Report   `json:"report,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  time.Time          `json:"completed_at,omitzero"`
}

// Request asks for one dashboard to be analyzed into one thread. Empty
// Strategy, Channel and ThreadTS take the service defaults.
type Request struct {
	DashboardURL string
	Subject      string
	Strategy     relevance.Strategy
	Channel      string
	ThreadTS     string
}

// Fingerprint identifies equivalent requests for deduplication.
func Fingerprint(r Request) string {
	h := sha256.New()
	for _, s := range []string{r.DashboardURL, r.Subject, r.Channel, r.ThreadTS} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
