// Package shield provides the HTTP middleware stack of the examforge API:
// security headers, body limits, request IDs with a per-request logger,
// panic recovery and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger, 1<<20) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// APIStack returns the standard middleware stack of a JSON API.
// Order: Recover → HeadToGet → SecurityHeaders → MaxBody → RequestID.
func APIStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Recover(logger),
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(maxBody),
		RequestID(logger),
	}
}

// HeadToGet serves HEAD requests with the GET route; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
