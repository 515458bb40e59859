// Package middleware holds HTTP middleware for the ops API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/tasktree/internal/api/shared"
	"github.com/phrazzld/tasktree/internal/platform/logger"
)

// TraceHeader carries a caller-supplied trace ID; it is echoed on the reply.
const TraceHeader = "X-Trace-ID"

// Trace tags each request with a trace ID and stores a logger carrying it in
// the request context.
func Trace(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = shared.NewTraceID()
			}
			ctx := shared.WithTraceID(r.Context(), traceID)
			reqLog := log.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, reqLog)

			reqLog.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			w.Header().Set(TraceHeader, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
