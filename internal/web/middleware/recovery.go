package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/web/response"
)

// Recovery turns a panicking handler into a 500 and logs the panic with its
// stack
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.Error("panic recovered",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("panic", p),
						zap.ByteString("stack", debug.Stack()))
					response.RenderInternalError(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
