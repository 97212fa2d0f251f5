package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reportd/internal/domain"
	"reportd/internal/logging"
	"reportd/internal/metrics"
)

// LeaderChecker reports whether this node runs the watchdog.
type LeaderChecker interface {
	IsLeader() bool
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// instrument traces each request and counts it by route pattern.
func instrument(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
			defer span.End()

			if id := middleware.GetReqID(ctx); id != "" {
				ctx = logging.ContextAttrs(ctx, slog.String("request_id", id))
			}
			iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(iw, r.WithContext(ctx))

			// The pattern is only known once chi has routed the request.
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			span.SetName("HTTP " + r.Method + " " + path)
			metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

			span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
			if iw.statusCode >= 500 {
				span.SetStatus(codes.Error, "Server Error")
			}
		})
	}
}

// NewRouter assembles the API: job routes and cluster membership behind
// authentication, plus unauthenticated /healthz and /metrics.
func NewRouter(jobs *JobHandler, auth *Authenticator, leader LeaderChecker, nodes domain.NodeDirectory) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(otel.Tracer("reportd-api")))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"leader": leader != nil && leader.IsLeader(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		jobs.RegisterRoutes(r)
		r.Get("/nodes", func(w http.ResponseWriter, r *http.Request) {
			list := []domain.Node{}
			if nodes != nil {
				list = nodes.Nodes()
			}
			writeJSON(w, http.StatusOK, list)
		})
	})
	return r
}
