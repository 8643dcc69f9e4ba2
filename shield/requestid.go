package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/examforge/idgen"
	"github.com/hazyhaar/examforge/kit"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.Prefixed("req_", idgen.Default)

// RequestID reuses the caller's X-Request-ID or generates one, stores it
// under kit.RequestIDKey, echoes it in the response and attaches a
// per-request logger under LoggerKey.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = newRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithRequestID(r.Context(), id)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
