package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduit-lang/cascade/internal/web/auth"
)

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := NewChain(mark("first")).Use(mark("second")).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, ",") != "first,second,handler" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("generated id %q not echoed (%q)", seen, rec.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "debezium-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "debezium-42" || rec.Header().Get(RequestIDHeader) != "debezium-42" {
		t.Errorf("caller id not reused: %q", seen)
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	handler := RequestID()(Logging(logger, "/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("accepted"))
	})))

	for _, path := range []string{"/v1/changes/debezium", "/healthz", "/boom"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if first["path"] != "/v1/changes/debezium" || first["status"] != int64(200) || first["bytes"] != int64(8) {
		t.Errorf("unexpected fields %v", first)
	}
	if first["request_id"] == "" {
		t.Error("request id missing from the log entry")
	}
	if entries[1].Level != zap.ErrorLevel {
		t.Errorf("5xx logged at %s", entries[1].Level)
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestLogging_Hijack(t *testing.T) {
	handler := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := w.(http.Hijacker).Hijack(); err != nil {
			t.Errorf("Hijack: %v", err)
		}
	}))

	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if !rec.hijacked {
		t.Error("hijack was not forwarded")
	}

	plain := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := w.(http.Hijacker).Hijack(); err == nil {
			t.Error("expected an error from a writer without Hijack")
		}
	}))
	plain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_error") || strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}

func TestAuth(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret-key", time.Hour, "")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	validToken, err := tokens.GenerateToken("debezium", []string{auth.ScopeChangesWrite})
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	tests := []struct {
		name           string
		path           string
		authHeader     string
		expectedStatus int
		expectedSubj   string
	}{
		{"allows request with valid token", "/v1/graph", "Bearer " + validToken, http.StatusOK, "debezium"},
		{"accepts a lowercase scheme", "/v1/graph", "bearer " + validToken, http.StatusOK, "debezium"},
		{"accepts the query parameter", "/v1/events?access_token=" + validToken, "", http.StatusOK, "debezium"},
		{"rejects request without authorization header", "/v1/graph", "", http.StatusUnauthorized, ""},
		{"rejects request without Bearer prefix", "/v1/graph", "Basic " + validToken, http.StatusUnauthorized, ""},
		{"rejects request with invalid token", "/v1/graph", "Bearer invalid.token.here", http.StatusUnauthorized, ""},
		{"rejects request with malformed Bearer header", "/v1/graph", "Bearer", http.StatusUnauthorized, ""},
		{"skips health checks", "/healthz", "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			handler := Auth(tokens, "/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
					subject = claims.Subject
				}
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if subject != tt.expectedSubj {
				t.Errorf("subject = %q, want %q", subject, tt.expectedSubj)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := RequireScope(auth.ScopeDocumentsWrite)(ok)

	tests := []struct {
		name   string
		claims *auth.Claims
		status int
	}{
		{"no claims", nil, http.StatusOK},
		{"granted", &auth.Claims{Scopes: []string{auth.ScopeDocumentsWrite}}, http.StatusOK},
		{"missing scope", &auth.Claims{Scopes: []string{auth.ScopeChangesWrite}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/documents", nil)
			if tt.claims != nil {
				req = req.WithContext(auth.WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}
