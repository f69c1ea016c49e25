package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/passportd/passportd/pkg/telemetry"
)

const unmatchedRoute = "unmatched"

// instrument traces, counts and logs every request under its route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := telemetry.NewTimer()
		ctx := r.Context()

		var span trace.Span
		if s.deps.Tracer != nil {
			ctx, span = s.deps.Tracer.StartHTTPSpan(ctx, r.Method, unmatchedRoute)
			defer span.End()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		duration := timer.Duration()

		if span != nil {
			span.SetName(r.Method + " " + route)
			telemetry.SetAttributes(span,
				telemetry.AttrHTTPRoute.String(route),
				telemetry.AttrHTTPStatus.Int(status),
			)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHTTPRequest(r.Method, route, status, duration)
		}

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.Ctx(ctx).
			Str("request_id", middleware.GetReqID(ctx)).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", duration).
			Msg("Request served")
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}
