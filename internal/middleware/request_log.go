package middleware

import (
	"net/http"
	"time"

	"github.com/geekgifts/tracker/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// RequestLog logs each request through logger and records its latency
// in Prometheus. The log level follows the response status.
func RequestLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			latency := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routePattern(r)

			metrics.RecordHTTPRequest(r.Method, route, status, latency.Seconds())

			entry := logger.WithFields(logrus.Fields{
				"request_id": chimiddleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"route":      route,
				"status":     status,
				"latency":    latency.String(),
				"ip":         r.RemoteAddr,
			})
			if technician := TechnicianFromContext(r.Context()); technician != "" {
				entry = entry.WithField("technician", technician)
			}

			switch {
			case status >= 500:
				entry.Error("API request")
			case status >= 400:
				entry.Warn("API request")
			default:
				entry.Info("API request")
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
