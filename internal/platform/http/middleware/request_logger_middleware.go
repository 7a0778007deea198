// Package middleware provides always-on transport middleware for HTTP servers.
package middleware

import (
	"log/slog"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/talkmesh/talkmesh-go/internal/platform/appctx"
)

// RequestLogger attaches a request-scoped logger to the request context.
//
// This middleware must run AFTER chi's RequestID so that
// middleware.GetReqID(r.Context()) returns a non-empty value.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := chimw.GetReqID(r.Context())

			// Fields attached here are inherited by the access log and by
			// any handler that uses appctx.GetLogger(r.Context()).
			reqLogger := base.With(
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path, // path only, no query string
				"client_ip", clientIP(r),
			)

			ctx := appctx.WithLogger(r.Context(), reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP returns the connection peer address. X-Forwarded-For is not
// consulted.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
