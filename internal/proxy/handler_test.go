package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/routeconfig"
	"github.com/lexfrei/pingress/internal/router"
)

type requestRecorder struct {
	*metrics.NoopCollector

	mu       sync.Mutex
	outcomes []string
}

func (r *requestRecorder) RecordProxyRequest(_ context.Context, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, outcome)
}

func (r *requestRecorder) Outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.outcomes...)
}

type dialRecorder struct {
	mu    sync.Mutex
	addrs []string
}

func (d *dialRecorder) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.addrs...)
}

// transportTo dials upstream regardless of the requested address and records what was asked for.
func transportTo(upstream string, dials *dialRecorder) *http.Transport {
	var dialer net.Dialer

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.mu.Lock()
			dials.addrs = append(dials.addrs, addr)
			dials.mu.Unlock()

			return dialer.DialContext(ctx, network, upstream)
		},
	}
}

type fixture struct {
	handler  *Handler
	upstream *httptest.Server
	dials    *dialRecorder
	metrics  *requestRecorder
	logs     *bytes.Buffer

	mu       sync.Mutex
	received []*http.Request
}

func newFixture(t *testing.T, rules ...routeconfig.PathRule) *fixture {
	t.Helper()

	fx := &fixture{
		dials:   &dialRecorder{},
		metrics: &requestRecorder{NoopCollector: metrics.NewNoopCollector()},
		logs:    &bytes.Buffer{},
	}

	fx.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.mu.Lock()
		fx.received = append(fx.received, r.Clone(context.Background()))
		fx.mu.Unlock()

		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	t.Cleanup(fx.upstream.Close)

	table, err := router.New(&routeconfig.Configuration{Rules: rules})
	require.NoError(t, err)

	fx.handler = NewHandler(HandlerConfig{
		Table:     table,
		AccessLog: NewAccessLog(fx.logs),
		Metrics:   fx.metrics,
		Transport: transportTo(fx.upstream.Listener.Addr().String(), fx.dials),
	})

	return fx
}

func (fx *fixture) Received() []*http.Request {
	fx.mu.Lock()
	defer fx.mu.Unlock()

	return append([]*http.Request(nil), fx.received...)
}

func (fx *fixture) accessRecords(t *testing.T) []map[string]any {
	t.Helper()

	var records []map[string]any

	for _, line := range strings.Split(strings.TrimSpace(fx.logs.String()), "\n") {
		if line == "" {
			continue
		}

		record := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))

		records = append(records, record)
	}

	return records
}

func rule(host string, path routeconfig.HTTPPath, service string, port uint16) routeconfig.PathRule {
	return routeconfig.PathRule{
		Host:    host,
		Path:    path,
		Backend: routeconfig.Service(service, "default", port),
	}
}

func TestHandler_ForwardsToBackend(t *testing.T) {
	t.Parallel()

	fx := newFixture(t,
		rule("example.com", routeconfig.Prefix("/api"), "api", 8080),
		rule("example.com", routeconfig.Prefix("/"), "web", 80),
	)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/users?page=2", nil)
	rec := httptest.NewRecorder()

	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from /api/users", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	assert.Equal(t, []string{"api.default:8080"}, fx.dials.Addrs())

	received := fx.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "example.com", received[0].Host)
	assert.Equal(t, "page=2", received[0].URL.RawQuery)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), received[0].Header.Get(RequestIDHeader))

	assert.Equal(t, []string{metrics.OutcomeRouted}, fx.metrics.Outcomes())

	records := fx.accessRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "api.default:8080", records[0]["backend"])
	assert.Equal(t, "example.com", records[0]["host"])
	assert.Equal(t, "/api/users", records[0]["path"])
	assert.Equal(t, metrics.OutcomeRouted, records[0]["outcome"])
	assert.InDelta(t, float64(http.StatusOK), records[0]["status"], 0)
	assert.Equal(t, "access", records[0]["component"])
}

func TestHandler_FirstMatchingRuleWins(t *testing.T) {
	t.Parallel()

	fx := newFixture(t,
		rule("example.com", routeconfig.Prefix("/"), "web", 80),
		rule("example.com", routeconfig.Prefix("/api"), "api", 8080),
	)

	fx.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.com/api", nil))

	assert.Equal(t, []string{"web.default:80"}, fx.dials.Addrs())
}

func TestHandler_WildcardHost(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, rule("*.example.com", routeconfig.Prefix("/"), "tenant", 80))

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://shop.example.com:8080/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tenant.default:80"}, fx.dials.Addrs())
	require.Len(t, fx.Received(), 1)
	assert.Equal(t, "shop.example.com:8080", fx.Received()[0].Host)
}

func TestHandler_NoRoute(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, rule("example.com", routeconfig.Exact("/only"), "web", 80))

	tests := []struct {
		name string
		url  string
	}{
		{name: "unknown host", url: "http://other.org/only"},
		{name: "path mismatch", url: "http://example.com/other"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

		assert.Equal(t, http.StatusNotFound, rec.Code, tt.name)
	}

	assert.Empty(t, fx.dials.Addrs())
	assert.Empty(t, fx.Received())
	assert.Equal(t, []string{metrics.OutcomeNoRoute, metrics.OutcomeNoRoute}, fx.metrics.Outcomes())

	records := fx.accessRecords(t)
	require.Len(t, records, 2)
	assert.NotContains(t, records[0], "backend")
	assert.Equal(t, metrics.OutcomeNoRoute, records[0]["outcome"])
}

func TestHandler_UpstreamError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, rule("example.com", routeconfig.Prefix("/"), "web", 80))

	// Close the upstream so the dial fails.
	fx.upstream.Close()

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []string{metrics.OutcomeUpstreamError}, fx.metrics.Outcomes())

	records := fx.accessRecords(t)
	require.Len(t, records, 1)
	assert.InDelta(t, float64(http.StatusBadGateway), records[0]["status"], 0)
}

func TestHandler_KeepsIncomingRequestID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, rule("example.com", routeconfig.Prefix("/"), "web", 80))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	require.Len(t, fx.Received(), 1)
	assert.Equal(t, "abc-123", fx.Received()[0].Header.Get(RequestIDHeader))
	assert.Equal(t, "abc-123", fx.accessRecords(t)[0]["request_id"])
}

func TestHandler_LogsTraceID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, rule("example.com", routeconfig.Prefix("/"), "web", 80))

	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	spanContext := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), spanContext))

	fx.handler.ServeHTTP(httptest.NewRecorder(), req)

	records := fx.accessRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", records[0]["trace_id"])
}

func TestHandler_NoTraceIDWithoutSpan(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, rule("example.com", routeconfig.Prefix("/"), "web", 80))

	fx.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	records := fx.accessRecords(t)
	require.Len(t, records, 1)
	assert.NotContains(t, records[0], "trace_id")
}
