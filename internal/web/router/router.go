// Package router wraps chi with the route bookkeeping the sink server prints
// on startup.
package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/conduit-lang/cascade/internal/web/middleware"
	"github.com/conduit-lang/cascade/internal/web/response"
)

// RouteInfo describes a registered route
type RouteInfo struct {
	Method  string
	Pattern string
	// Scope is the token scope the route requires, if any
	Scope string
}

// Router manages HTTP routing using chi
type Router struct {
	mux    chi.Router
	prefix string
	routes *routeTable
}

type routeTable struct {
	mu    sync.Mutex
	infos []RouteInfo
}

// NewRouter creates a router answering unknown routes with JSON errors
func NewRouter() *Router {
	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.RenderNotFound(w, "no route for "+r.URL.Path)
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.RenderError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	})
	return &Router{mux: mux, routes: &routeTable{}}
}

type errMethodNotAllowed string

func (e errMethodNotAllowed) Error() string {
	return "method " + string(e) + " is not allowed for this resource"
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Use adds middleware to every route of the router. It must be called before
// any route is registered.
func (r *Router) Use(middlewares ...middleware.Middleware) {
	for _, m := range middlewares {
		r.mux.Use(m)
	}
}

// Get registers a GET route
func (r *Router) Get(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodGet, pattern, "", handler)
}

// Post registers a POST route
func (r *Router) Post(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodPost, pattern, "", handler)
}

// Handle registers a route. A non-empty scope wraps the handler with
// middleware.RequireScope.
func (r *Router) Handle(method, pattern, scope string, handler http.Handler) {
	if scope != "" {
		handler = middleware.RequireScope(scope)(handler)
	}
	r.mux.Method(method, pattern, handler)

	r.routes.mu.Lock()
	defer r.routes.mu.Unlock()
	r.routes.infos = append(r.routes.infos, RouteInfo{
		Method:  method,
		Pattern: r.prefix + pattern,
		Scope:   scope,
	})
}

// Route mounts a sub-router under prefix. Middleware added to the sub-router
// applies to its routes only.
func (r *Router) Route(prefix string, fn func(r *Router)) {
	r.mux.Route(prefix, func(sub chi.Router) {
		fn(&Router{mux: sub, prefix: r.prefix + prefix, routes: r.routes})
	})
}

// Routes returns the registered routes sorted by pattern and method
func (r *Router) Routes() []RouteInfo {
	r.routes.mu.Lock()
	out := append([]RouteInfo(nil), r.routes.infos...)
	r.routes.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// URLParam returns a path parameter of the request
func URLParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// Parameters lists the path parameter names of a pattern
func Parameters(pattern string) []string {
	var params []string
	for _, part := range strings.Split(pattern, "/") {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name, _, _ := strings.Cut(strings.Trim(part, "{}"), ":")
			params = append(params, name)
		}
	}
	return params
}
