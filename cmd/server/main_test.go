package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/panelscope/internal/runs"
)

type stubRuns struct{}

func (stubRuns) Submit(context.Context, runs.Request) (*runs.SubmitResult, error) {
	return &runs.SubmitResult{ID: "r-1"}, nil
}

func (stubRuns) Get(_ context.Context, id string) (*runs.Record, bool, error) {
	if id == "r-1" {
		return &runs.Record{ID: id, Status: runs.StatusPending}, true, nil
	}
	return nil, false, nil
}

func TestMountAPI_RequiresToken(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mountAPI(r, log.Nop(), stubRuns{}, []string{"old", "new"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		auth   string
		want   int
	}{
		{"health stays open", http.MethodGet, "/-/healthy", "", "", http.StatusOK},
		{"get without token", http.MethodGet, "/api/v1/analyses/r-1", "", "", http.StatusUnauthorized},
		{"get with wrong token", http.MethodGet, "/api/v1/analyses/r-1", "", "Bearer nope", http.StatusUnauthorized},
		{"get with token", http.MethodGet, "/api/v1/analyses/r-1", "", "Bearer new", http.StatusOK},
		{"get missing", http.MethodGet, "/api/v1/analyses/r-2", "", "Bearer old", http.StatusNotFound},
		{"submit without token", http.MethodPost, "/api/v1/analyses", `{"dashboard_url":"https://g/d/a/b"}`, "", http.StatusUnauthorized},
		{"submit with token", http.MethodPost, "/api/v1/analyses", `{"dashboard_url":"https://g/d/a/b"}`, "Bearer old", http.StatusAccepted},
		{"webhook without token", http.MethodPost, "/api/v1/alerts", `{"alerts":[]}`, "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestShutdown_OrderAndBudget(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, fail bool) stopFn {
		return stopFn{name, func(ctx context.Context) error {
			order = append(order, name)
			dl, ok := ctx.Deadline()
			if !ok {
				t.Errorf("%s: no deadline", name)
			} else if left := time.Until(dl); left > 500*time.Millisecond {
				t.Errorf("%s: deadline %v exceeds per-component share", name, left)
			}
			if fail {
				return errors.New("boom")
			}
			return nil
		}}
	}

	shutdown(log.Nop(), 1500*time.Millisecond, []stopFn{
		step("api", false),
		step("runs", true),
		step("ops", false),
	})

	if got := strings.Join(order, ","); got != "api,runs,ops" {
		t.Errorf("order = %s, want api,runs,ops", got)
	}
}

func TestShutdown_Empty(t *testing.T) {
	t.Parallel()
	shutdown(log.Nop(), time.Second, nil)
}

func TestNewRouter_HealthOpenAPIGuarded(t *testing.T) {
	t.Parallel()

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	r := newRouter(log.Nop(), stubRuns{}, []string{"tok"}, ok, ok)

	for path, want := range map[string]int{
		"/-/healthy":           http.StatusOK,
		"/-/ready":             http.StatusOK,
		"/api/v1/analyses/r-1": http.StatusUnauthorized,
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}
