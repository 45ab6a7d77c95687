package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	TraceIDKey   contextKey = "traceID"
	RequestIDKey contextKey = "requestID"

	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

var tracer = otel.Tracer("costengine/api")

// route describes the matched endpoint. It is only complete after the
// router has run, so middleware reads it once next returns.
type route struct {
	pattern  string
	animalID string
	entryID  string
}

func matchedRoute(r *http.Request) route {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return route{pattern: r.URL.Path}
	}
	rt := route{
		pattern:  rctx.RoutePattern(),
		animalID: rctx.URLParam("animalID"),
		entryID:  rctx.URLParam("entryID"),
	}
	if rt.pattern == "" {
		rt.pattern = r.URL.Path
	}
	if rt.animalID == "" && strings.HasPrefix(r.URL.Path, "/gateway/") {
		rt.animalID = r.URL.Query().Get("animalId")
	}
	return rt
}

func (rt route) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("http.route", rt.pattern)}
	if rt.animalID != "" {
		attrs = append(attrs, attribute.String("costengine.animal_id", rt.animalID))
	}
	if rt.entryID != "" {
		attrs = append(attrs, attribute.String("costengine.entry_id", rt.entryID))
	}
	return attrs
}

// TracingMiddleware opens a span per request, names it after the matched
// route and tags it with the animal and entry the request touched.
// Trace and request IDs are echoed in response headers.
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
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		// The no-op provider yields an invalid trace ID.
		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)
		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		rw := wrapWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		rt := matchedRoute(r)
		span.SetName(r.Method + " " + rt.pattern)
		span.SetAttributes(rt.attributes()...)
		span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// LoggingMiddleware writes one structured line per request. Server errors
// log at error level and rejected requests at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapWriter(w)

		next.ServeHTTP(rw, r)

		rt := matchedRoute(r)
		attrs := []any{
			"method", r.Method,
			"route", rt.pattern,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(r.Context()),
			"trace_id", GetTraceID(r.Context()),
		}
		if rt.animalID != "" {
			attrs = append(attrs, "animal_id", rt.animalID)
		}
		if rt.entryID != "" {
			attrs = append(attrs, "entry_id", rt.entryID)
		}

		switch {
		case rw.statusCode >= http.StatusInternalServerError:
			slog.Error("http request", attrs...)
		case rw.statusCode >= http.StatusBadRequest:
			slog.Warn("http request", attrs...)
		default:
			slog.Info("http request", attrs...)
		}
	})
}

// CORSMiddleware lets browser dashboards call the API.
func CORSMiddleware(next http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{"Content-Type", RequestIDHeader, TraceIDHeader, "Authorization"}, ", ")
	exposeHeaders := strings.Join([]string{RequestIDHeader, TraceIDHeader}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", exposeHeaders)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a JSON 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error":     "internal server error",
					"retryable": false,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetTraceID returns the trace ID set by TracingMiddleware.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// GetRequestID returns the request ID set by TracingMiddleware.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}
