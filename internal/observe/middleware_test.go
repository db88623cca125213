package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMiddleware_CorrelationID(t *testing.T) {
	h := newMiddlewareHarness(t)

	var captured string
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	})
	rec := h.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if len(captured) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", captured)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != captured {
		t.Errorf("X-Correlation-ID = %q, want %q", got, captured)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h := newMiddlewareHarness(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var captured string
	h.mux.HandleFunc("POST /twilio/voice", func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	})
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := h.serve(req)

	if captured != traceID {
		t.Errorf("correlation ID = %q, want %q", captured, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		wantRoute  string
		wantStatus int
	}{
		{name: "matched", method: http.MethodPost, target: "/twilio/voice?x=1", wantRoute: "/twilio/voice", wantStatus: http.StatusOK},
		{name: "wildcard", method: http.MethodGet, target: "/calls/CA123", wantRoute: "/calls/{sid}", wantStatus: http.StatusOK},
		{name: "unmatched", method: http.MethodGet, target: "/wp-login.php", wantRoute: unmatchedRoute, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMiddlewareHarness(t)
			h.mux.HandleFunc("POST /twilio/voice", func(http.ResponseWriter, *http.Request) {})
			h.mux.HandleFunc("GET /calls/{sid}", func(http.ResponseWriter, *http.Request) {})

			rec := h.serve(httptest.NewRequest(tt.method, tt.target, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			dp := h.durationPoint(t)
			attrs := map[string]string{}
			for _, kv := range dp.Attributes.ToSlice() {
				attrs[string(kv.Key)] = kv.Value.AsString()
			}
			if attrs["method"] != tt.method || attrs["path"] != tt.wantRoute {
				t.Errorf("duration attributes = %v, want method=%s path=%s", attrs, tt.method, tt.wantRoute)
			}

			span := h.spans.GetSpans()[0]
			if span.Name != "HTTP "+tt.wantRoute {
				t.Errorf("span name = %q", span.Name)
			}
			var status int64
			for _, a := range span.Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.mux.HandleFunc("GET /readyz", func(http.ResponseWriter, *http.Request) {})
	h.mux.HandleFunc("POST /twilio/voice", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	h.serve(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	h.serve(httptest.NewRequest(http.MethodPost, "/twilio/voice", nil))

	out := h.logs.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "route=/readyz") {
		t.Errorf("probe not logged at debug: %s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=502") {
		t.Errorf("server error not logged at warn: %s", out)
	}
	if !strings.Contains(out, "trace_id=") {
		t.Errorf("request log missing trace_id: %s", out)
	}
}

func TestMiddleware_AllowsWebSocketUpgrade(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.mux.HandleFunc("GET /twilio/stream", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_ = c.Write(r.Context(), websocket.MessageText, []byte("hello"))
	})
	srv := httptest.NewServer(Middleware(h.metrics, h.log)(h.mux))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/twilio/stream", nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer c.CloseNow()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("message = %q, want hello", data)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

type middlewareHarness struct {
	metrics *Metrics
	reader  interface {
		Collect(context.Context, *metricdata.ResourceMetrics) error
	}
	spans *tracetest.InMemoryExporter
	logs  *bytes.Buffer
	log   *slog.Logger
	mux   *http.ServeMux
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()
	m, reader := newTestMetrics(t)
	logs := &bytes.Buffer{}
	return &middlewareHarness{
		metrics: m,
		reader:  reader,
		spans:   useTestTracer(t),
		logs:    logs,
		log:     slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		mux:     http.NewServeMux(),
	}
}

func (h *middlewareHarness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(h.metrics, h.log)(h.mux).ServeHTTP(rec, req)
	return rec
}

func (h *middlewareHarness) durationPoint(t *testing.T) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callflow.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("duration data = %+v, want one histogram point", met.Data)
	}
	return hist.DataPoints[0]
}
