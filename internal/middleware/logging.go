package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// AccessLog returns a middleware that writes one structured log line
// per request: method, path, status, latency, client ip, matched route,
// selected instance, and the request id.
func AccessLog(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, scope := util.ContextWithRequestScope(r.Context())
			ctx = util.ContextWithStartTime(ctx, start)
			r = r.WithContext(ctx)

			rw := util.NewStatusCapturingResponseWriter(w)

			next.ServeHTTP(rw, r)

			logger.Info("access",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.StatusCode),
				observability.Duration("latency", time.Since(start)),
				observability.String("client_ip", util.ClientIP(r)),
				observability.String("route", scope.Route()),
				observability.String("instance", scope.Instance()),
				observability.String("request_id", observability.RequestIDFromContext(ctx)),
			)
		})
	}
}
