package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/panelscope/internal/dashboard"
)

// fakeS3 accepts HEAD bucket and PUT object requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	meta    map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		f.meta[r.URL.Path] = r.Header.Get("X-Amz-Meta-Panel-Id")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fs := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}, meta: map[string]string{}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(context.Background(), Options{
		Endpoint:  u.Host,
		Region:    "us-east-1",
		Bucket:    "panels",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fs
}

func TestArchive_PutsObject(t *testing.T) {
	t.Parallel()

	s, fs := newTestStore(t)

	p := filepath.Join(t.TempDir(), "grafana_panel_7_CPU.png")
	if err := os.WriteFile(p, []byte("png-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	img := &dashboard.Image{Path: p, Filename: "grafana_panel_7_CPU.png", PanelID: "7", Size: 9}

	u, err := s.Archive(context.Background(), "run-1", img)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !strings.HasSuffix(u, "/panels/runs/run-1/grafana_panel_7_CPU.png") {
		t.Errorf("url = %q", u)
	}

	key := "/panels/runs/run-1/grafana_panel_7_CPU.png"
	// body may be aws-chunked framed, so only look for the payload
	if got := string(fs.objects[key]); !strings.Contains(got, "png-bytes") {
		t.Errorf("stored object = %q, want png-bytes payload", got)
	}
	if fs.types[key] != "image/png" {
		t.Errorf("content type = %q, want image/png", fs.types[key])
	}
	if fs.meta[key] != "7" {
		t.Errorf("panel-id metadata = %q, want 7", fs.meta[key])
	}
}

func TestArchive_NoImage(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	if _, err := s.Archive(context.Background(), "run-1", nil); err == nil {
		t.Fatal("expected error for nil image")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Options{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		run, file, want string
	}{
		{"r1", "grafana_panel_1_CPU.png", "runs/r1/grafana_panel_1_CPU.png"},
		{"r1", "../../escape.png", "runs/r1/escape.png"},
	}
	for _, tt := range tests {
		if got := Key(tt.run, tt.file); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.run, tt.file, got, tt.want)
		}
	}
}
