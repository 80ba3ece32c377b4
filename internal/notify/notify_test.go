package notify

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExtractAck_Full(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"ok": true,
		"file": map[string]any{
			"id":          "F123",
			"name":        "grafana_panel_1_CPU.png",
			"url_private": "https://files.slack.com/F123",
			"timestamp":   float64(1760000000),
		},
	}
	a := ExtractAck(raw)

	if a.OK == nil || !*a.OK {
		t.Errorf("OK = %v, want true", a.OK)
	}
	if a.FileID == nil || *a.FileID != "F123" {
		t.Errorf("FileID = %v", a.FileID)
	}
	if a.FileName == nil || *a.FileName != "grafana_panel_1_CPU.png" {
		t.Errorf("FileName = %v", a.FileName)
	}
	if a.FileURL == nil || *a.FileURL != "https://files.slack.com/F123" {
		t.Errorf("FileURL = %v", a.FileURL)
	}
	if a.Timestamp == nil || *a.Timestamp != 1760000000 {
		t.Errorf("Timestamp = %v", a.Timestamp)
	}
}

func TestExtractAck_Partial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"nil", nil},
		{"empty", map[string]any{}},
		{"no file", map[string]any{"ok": false}},
		{"file wrong type", map[string]any{"ok": true, "file": "F1"}},
		{"fields wrong type", map[string]any{"file": map[string]any{"id": 1, "timestamp": "soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := ExtractAck(tt.raw)
			if a.FileID != nil || a.FileName != nil || a.FileURL != nil || a.Timestamp != nil {
				t.Errorf("expected nil file fields, got %+v", a)
			}
		})
	}

	a := ExtractAck(map[string]any{"ok": false})
	if a.OK == nil || *a.OK {
		t.Errorf("OK = %v, want false", a.OK)
	}
}

func TestExtractAck_JSONNumber(t *testing.T) {
	t.Parallel()

	a := ExtractAck(map[string]any{"file": map[string]any{"timestamp": json.Number("42")}})
	if a.Timestamp == nil || *a.Timestamp != 42 {
		t.Errorf("Timestamp = %v, want 42", a.Timestamp)
	}
}

func TestAck_MarshalsNulls(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Ack{})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"ok":null,"file_id":null,"file_name":null,"file_url":null,"timestamp":null}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestComment(t *testing.T) {
	t.Parallel()

	got := Comment("https://g/d/a/b?orgId=1", "CPU Usage", "all good")
	want := "Grafana panel image: CPU Usage\nFrom dashboard: https://g/d/a/b?orgId=1\n\nAnalysis:\nall good"
	if got != want {
		t.Errorf("Comment() = %q, want %q", got, want)
	}

	long := Comment("u", "t", strings.Repeat("x", 5000))
	if !strings.HasSuffix(long, "...") {
		t.Error("long analysis should be truncated")
	}

	// 'x' shifts every three byte rune across the cut point
	mb := Comment("u", "t", "x"+strings.Repeat("€", MaxAnalysisLen))
	if !utf8.ValidString(mb) {
		t.Error("truncated multibyte analysis is not valid UTF-8")
	}
}

func TestPublishError_Unwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("channel_not_found")
	err := error(&PublishError{Channel: "C1", ThreadTS: "1.2", Err: inner})
	if !errors.Is(err, inner) {
		t.Error("PublishError should unwrap to the api error")
	}
	if !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("error = %q", err.Error())
	}
}

func FuzzExtractAck(f *testing.F) {
	f.Add(`{"ok":true,"file":{"id":"F1","name":"n","url_private":"u","timestamp":1}}`)
	f.Add(`{}`)
	f.Add(`{"file":null}`)
	f.Add(`{"file":{"timestamp":1e400}}`)

	f.Fuzz(func(t *testing.T, data string) {
		var raw map[string]any
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return
		}
		// must not panic
		a := ExtractAck(raw)
		if _, err := json.Marshal(a); err != nil {
			t.Fatalf("ack not marshalable: %v", err)
		}
	})
}
