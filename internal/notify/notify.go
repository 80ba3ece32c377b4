// Package notify holds the channel-neutral publishing types: what gets
// uploaded to a discussion thread and the acknowledgment that comes back.
package notify

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/linnemanlabs/panelscope/internal/textutil"
)

// MaxAnalysisLen caps the analysis text embedded in a comment.
const MaxAnalysisLen = 3000

// Upload is one image plus comment destined for a thread.
type Upload struct {
	Channel  string
	ThreadTS string
	Path     string
	Filename string
	Comment  string
}

// Ack is the structured subset of an upload acknowledgment. Every field is
// nil when the channel did not report it.
type Ack struct {
	OK        *bool   `json:"ok"`
	FileID    *string `json:"file_id"`
	FileName  *string `json:"file_name"`
	FileURL   *string `json:"file_url"`
	Timestamp *int64  `json:"timestamp"`
}

// ExtractAck pulls the acknowledgment fields out of a raw upload response of
// the form {"ok":..,"file":{"id","name","url_private","timestamp"}}. Missing or
// mistyped fields are left nil; it never fails.
func ExtractAck(raw map[string]any) Ack {
	var a Ack
	if raw == nil {
		return a
	}
	if ok, isBool := raw["ok"].(bool); isBool {
		a.OK = &ok
	}

	file, _ := raw["file"].(map[string]any)
	if file == nil {
		return a
	}
	a.FileID = stringField(file, "id")
	a.FileName = stringField(file, "name")
	a.FileURL = stringField(file, "url_private")
	a.Timestamp = intField(file, "timestamp")
	return a
}

func stringField(m map[string]any, key string) *string {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func intField(m map[string]any, key string) *int64 {
	var n int64
	switch v := m[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		n = int64(v)
	case int64:
		n = v
	case int:
		n = int64(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil
		}
		n = i
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

// Comment composes the thread comment for one panel.
func Comment(dashboardURL, panelTitle, analysis string) string {
	return fmt.Sprintf("Grafana panel image: %s\nFrom dashboard: %s\n\nAnalysis:\n%s",
		panelTitle, dashboardURL, textutil.Truncate(analysis, MaxAnalysisLen))
}

// PublishError wraps a failed upload. The panel produced no thread message.
type PublishError struct {
	Channel  string
	ThreadTS string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to channel %s thread %s: %v", e.Channel, e.ThreadTS, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
