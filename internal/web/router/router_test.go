package router

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/conduit-lang/cascade/internal/web/auth"
	"github.com/conduit-lang/cascade/internal/web/middleware"
)

func TestRouter(t *testing.T) {
	r := NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Route("/v1", func(v1 *Router) {
		v1.Handle(http.MethodPost, "/changes/{format}", auth.ScopeChangesWrite, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("format=" + URLParam(req, "format")))
		}))
	})

	tests := []struct {
		name   string
		method string
		path   string
		status int
		body   string
	}{
		{"get", http.MethodGet, "/healthz", http.StatusOK, "ok"},
		{"param", http.MethodPost, "/v1/changes/maxwell", http.StatusOK, "format=maxwell"},
		{"not found", http.MethodGet, "/v2/changes", http.StatusNotFound, `"not_found"`},
		{"method not allowed", http.MethodGet, "/v1/changes/maxwell", http.StatusMethodNotAllowed, "method GET is not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRouter_ScopeAndMiddleware(t *testing.T) {
	r := NewRouter()
	var hits int
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			hits++
			claims := &auth.Claims{Scopes: []string{auth.ScopeGraphRead}}
			next.ServeHTTP(w, req.WithContext(auth.WithClaims(req.Context(), claims)))
		})
	})
	r.Handle(http.MethodGet, "/graph", auth.ScopeGraphRead, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	r.Handle(http.MethodPost, "/documents", auth.ScopeDocumentsWrite, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/graph", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("granted scope: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/documents", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing scope: status = %d", rec.Code)
	}
	if hits != 2 {
		t.Errorf("middleware ran %d times, want 2", hits)
	}
}

func TestRouter_Routes(t *testing.T) {
	r := NewRouter()
	r.Use(middleware.RequestID())
	r.Get("/healthz", func(http.ResponseWriter, *http.Request) {})
	r.Route("/v1", func(v1 *Router) {
		v1.Handle(http.MethodGet, "/tables", auth.ScopeGraphRead, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		v1.Handle(http.MethodGet, "/graph", auth.ScopeGraphRead, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	})

	want := []RouteInfo{
		{Method: http.MethodGet, Pattern: "/healthz"},
		{Method: http.MethodGet, Pattern: "/v1/graph", Scope: auth.ScopeGraphRead},
		{Method: http.MethodGet, Pattern: "/v1/tables", Scope: auth.ScopeGraphRead},
	}
	if got := r.Routes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Routes() = %+v, want %+v", got, want)
	}
}

func TestParameters(t *testing.T) {
	got := Parameters("/v1/types/{name}/rows/{id:[0-9]+}")
	if !reflect.DeepEqual(got, []string{"name", "id"}) {
		t.Errorf("Parameters() = %v", got)
	}
	if Parameters("/healthz") != nil {
		t.Error("expected no parameters")
	}
}
