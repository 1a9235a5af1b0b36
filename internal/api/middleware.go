package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/pipeline"
	"github.com/opensource-finance/underwrite/internal/policy"
)

type contextKey string

const (
	// PolicyIDKey holds the ID of the policy a request resolved to.
	PolicyIDKey contextKey = "policyID"

	// TraceIDKey holds the trace ID of the request.
	TraceIDKey contextKey = "traceID"

	// RequestIDKey holds the request ID.
	RequestIDKey contextKey = "requestID"

	requestLogKey contextKey = "requestLog"

	// PolicyIDHeader selects the policy a request is evaluated under.
	PolicyIDHeader = "X-Policy-ID"

	// PolicyVersionHeader reports the version of the resolved policy.
	PolicyVersionHeader = "X-Policy-Version"

	// RequestIDHeader carries the request ID in both directions.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader reports the trace ID of the request.
	TraceIDHeader = "X-Trace-ID"
)

var tracer = otel.Tracer("underwrite-api")

// requestLog collects fields that inner middleware learn about a request
// for the access log line.
type requestLog struct {
	policyID      string
	policyVersion string
}

// PolicyMiddleware resolves the X-Policy-ID header against registry. A
// missing header selects the default policy and an unknown one is answered
// with 404 before the handler runs. The resolved policy is recorded on the
// span, the response headers and the access log.
func PolicyMiddleware(registry *policy.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policyID := r.Header.Get(PolicyIDHeader)
			if policyID == "" {
				policyID = domain.DefaultPolicyID
			}

			p, err := registry.Get(policyID)
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}

			ctx := r.Context()
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.String("policy.id", p.ID),
				attribute.String("policy.version", p.Version),
			)
			if rl, ok := ctx.Value(requestLogKey).(*requestLog); ok {
				rl.policyID = p.ID
				rl.policyVersion = p.Version
			}
			w.Header().Set(PolicyVersionHeader, p.Version)

			ctx = context.WithValue(ctx, PolicyIDKey, p.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TracingMiddleware starts a span per request and assigns request and
// trace IDs. A client supplied X-Request-ID is kept. Without a valid span
// the request ID doubles as the trace ID.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)
		ctx = pipeline.WithTraceID(ctx, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
	})
}

// LoggingMiddleware writes one access log line per request. Status 5xx
// logs at error level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rl := &requestLog{}
		ctx := context.WithValue(r.Context(), requestLogKey, rl)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(ctx),
			"trace_id", GetTraceID(ctx),
		}
		if rl.policyID != "" {
			attrs = append(attrs, "policy_id", rl.policyID, "policy_version", rl.policyVersion)
		}
		slog.Log(ctx, level, "http request", attrs...)
	})
}

// CORSMiddleware answers preflight requests and sets CORS headers. An empty
// origins list allows every origin; otherwise only listed origins are
// echoed back.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			switch {
			case len(origins) == 0 && origin == "":
				h.Set("Access-Control-Allow-Origin", "*")
			case len(origins) == 0 || slices.Contains(origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Policy-ID, X-Request-ID, X-Trace-ID, Authorization")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, X-Policy-Version")
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RecoverMiddleware turns a handler panic into a 500 response and logs the
// stack with the request ID.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"error", rec,
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()),
				"stack", string(debug.Stack()),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// GetPolicyID returns the resolved policy ID, or the default policy outside
// PolicyMiddleware.
func GetPolicyID(ctx context.Context) string {
	if v, ok := ctx.Value(PolicyIDKey).(string); ok {
		return v
	}
	return domain.DefaultPolicyID
}

// GetRequestID returns the request ID assigned by TracingMiddleware.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// GetTraceID returns the trace ID assigned by TracingMiddleware.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
