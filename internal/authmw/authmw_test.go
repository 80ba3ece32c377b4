package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func do(h http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("secret-token-123", "next-token")(okHandler)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"valid", "Bearer secret-token-123", http.StatusOK},
		{"rotated token", "Bearer next-token", http.StatusOK},
		{"lowercase scheme", "bearer secret-token-123", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"token prefix only", "Bearer secret", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"no scheme", "secret-token-123", http.StatusUnauthorized},
		{"empty credentials", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(h, tt.auth)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate header")
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("content-type = %q, want application/json", ct)
				}
			}
		})
	}
}

func TestBearerToken_IgnoresEmptyTokens(t *testing.T) {
	t.Parallel()

	h := BearerToken("", "  ", "real")(okHandler)
	if rec := do(h, "Bearer "); rec.Code != http.StatusUnauthorized {
		t.Errorf("empty credential accepted: %d", rec.Code)
	}
	if rec := do(h, "Bearer real"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestBearerToken_PanicsWithoutTokens(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	BearerToken("", " ")
}
