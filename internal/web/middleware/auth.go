package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/conduit-lang/cascade/internal/web/auth"
	"github.com/conduit-lang/cascade/internal/web/response"
)

// Auth requires a valid bearer token on every request except skipPaths.
// Browsers cannot set headers on websocket handshakes, so the token is also
// read from the access_token query parameter.
func Auth(tokens *auth.TokenService, skipPaths ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(skipPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				response.RenderUnauthorized(w, "")
				return
			}
			claims, err := tokens.ValidateToken(token)
			if err != nil {
				response.RenderUnauthorized(w, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// RequireScope rejects requests whose token lacks scope. Requests without
// claims pass, so routes stay open when the server runs without a secret.
func RequireScope(scope string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok && !claims.HasScope(scope) {
				response.RenderForbidden(w, "token lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
