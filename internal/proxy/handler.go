package proxy

import (
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vulcand/oxy/v2/forward"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/router"
)

// RequestIDHeader carries the request id to the upstream and back to the client.
const RequestIDHeader = "X-Request-Id"

// Handler routes requests through a router.Table.
type Handler struct {
	table     *router.Table
	forwarder *httputil.ReverseProxy
	metrics   metrics.Collector
	accessLog zerolog.Logger
}

// HandlerConfig holds Handler dependencies.
type HandlerConfig struct {
	Table     *router.Table
	AccessLog zerolog.Logger
	Metrics   metrics.Collector

	// Transport overrides the upstream round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// NewHandler creates a Handler. A nil collector disables metrics.
func NewHandler(cfg HandlerConfig) *Handler {
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	forwarder := forward.New(true)
	forwarder.ErrorHandler = upstreamError

	if cfg.Transport != nil {
		forwarder.Transport = cfg.Transport
	}

	return &Handler{
		table:     cfg.Table,
		forwarder: forwarder,
		metrics:   collector,
		accessLog: cfg.AccessLog,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	w.Header().Set(RequestIDHeader, requestID)

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	rule, ok := h.table.Match(r.Host, r.URL.Path)
	if !ok {
		http.Error(recorder, "no route\n", http.StatusNotFound)
		h.finish(r, recorder, metrics.OutcomeNoRoute, "", requestID, start)

		return
	}

	backend := rule.Backend.Address()

	target := *r.URL
	target.Scheme = "http"
	target.Host = backend

	outbound := r.Clone(r.Context())
	outbound.URL = &target
	outbound.Header.Set(RequestIDHeader, requestID)

	h.forwarder.ServeHTTP(recorder, outbound)

	outcome := metrics.OutcomeRouted
	if recorder.upstreamFailed {
		outcome = metrics.OutcomeUpstreamError
	}

	h.finish(r, recorder, outcome, backend, requestID, start)
}

func (h *Handler) finish(r *http.Request, recorder *statusRecorder, outcome, backend, requestID string, start time.Time) {
	duration := time.Since(start)

	h.metrics.RecordProxyRequest(r.Context(), outcome, duration)

	event := h.accessLog.Info().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("host", r.Host).
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Bool("tls", r.TLS != nil).
		Str("outcome", outcome).
		Int("status", recorder.status).
		Int64("bytes", recorder.written).
		Dur("duration", duration)

	if backend != "" {
		event = event.Str("backend", backend)
	}

	if spanContext := trace.SpanContextFromContext(r.Context()); spanContext.HasTraceID() {
		event = event.Str("trace_id", spanContext.TraceID().String())
	}

	event.Msg("request")
}

func upstreamError(w http.ResponseWriter, _ *http.Request, _ error) {
	if recorder, ok := w.(*statusRecorder); ok {
		recorder.upstreamFailed = true
	}

	w.WriteHeader(http.StatusBadGateway)
}

type statusRecorder struct {
	http.ResponseWriter

	status         int
	written        int64
	wroteHeader    bool
	upstreamFailed bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}

	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(data []byte) (int, error) {
	s.wroteHeader = true

	n, err := s.ResponseWriter.Write(data)
	s.written += int64(n)

	return n, err //nolint:wrapcheck // io.Writer contract
}

// Unwrap lets http.ResponseController reach the underlying writer for flushing and hijacking.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
