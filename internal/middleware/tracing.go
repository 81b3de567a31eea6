package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/congregation-app/backend/internal/logging"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// Client supplied trace ids end up in every log line, so only short ids
// made of safe characters are accepted.
var validTraceID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type routeKey struct{}

// routeHolder lets the router report the matched route template back to
// the tracing middleware, which wraps the router from the outside.
type routeHolder struct {
	template string
}

func setRoute(ctx context.Context, template string) {
	if h, ok := ctx.Value(routeKey{}).(*routeHolder); ok {
		h.template = template
	}
}

// TracingMiddleware assigns every request a trace id and logs it on completion
// with the matched route template.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if !validTraceID.MatchString(traceID) {
			traceID = logging.NewTraceID()
		}

		route := &routeHolder{}
		ctx := logging.WithTraceID(r.Context(), traceID)
		ctx = context.WithValue(ctx, routeKey{}, route)
		w.Header().Set(TraceHeader, traceID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.logger.LogRequest(ctx, logging.RequestInfo{
			Method:   r.Method,
			Path:     r.URL.Path,
			Route:    route.template,
			Status:   rw.statusCode,
			Duration: time.Since(start),
		})
	})
}
