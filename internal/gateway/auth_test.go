package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maksec/msgguard/internal/gateway"
)

func TestExtractAPIKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := gateway.ExtractAPIKey(r); got != "abc123" {
		t.Fatalf("bearer extract = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	r.Header.Set("X-API-Key", "xyz789")
	if got := gateway.ExtractAPIKey(r); got != "xyz789" {
		t.Fatalf("header extract = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	if got := gateway.ExtractAPIKey(r); got != "" {
		t.Fatalf("empty request extract = %q", got)
	}
}

func TestAuthMiddleware_EmptyTokenDisablesAuth(t *testing.T) {
	am := gateway.NewAuthMiddleware("")
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unauthenticated request rejected with empty token: %d", rec.Code)
	}
}

func TestAuthMiddleware_Decisions(t *testing.T) {
	am := gateway.NewAuthMiddleware("sekret")
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing token", "/v1/messages", "", http.StatusUnauthorized},
		{"wrong token", "/v1/messages", "Bearer nope", http.StatusForbidden},
		{"right token", "/v1/messages", "Bearer sekret", http.StatusOK},
		{"healthz exempt", "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			if rec.Code != tc.want {
				t.Fatalf("got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
