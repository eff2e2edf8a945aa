package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware_SpanAndCorrelationID(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)

	var captured string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
		w.WriteHeader(http.StatusUnsupportedMediaType)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/vad", nil))

	if len(captured) != 32 {
		t.Errorf("correlation ID %q, want 32 hex chars", captured)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != captured {
		t.Errorf("X-Correlation-ID = %q, want %q", got, captured)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP POST /vad" {
		t.Fatalf("spans = %v, want one HTTP POST /vad", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == http.StatusUnsupportedMediaType {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=415")
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var captured string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured != traceID {
		t.Errorf("correlation ID = %q, want %q", captured, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	useTestTracer(t)
	m, reader := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	met := findMetric(collect(t, reader), "voxseg.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("metric data = %+v", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	method, _ := dp.Attributes.Value("method")
	path, _ := dp.Attributes.Value("path")
	if method.AsString() != http.MethodGet || path.AsString() != "/readyz" {
		t.Errorf("attributes = %v", dp.Attributes.ToSlice())
	}
}

func TestMiddleware_AllowsWebSocketUpgrade(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	buf := captureLogs(t)

	done := make(chan struct{})
	inner := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer c.CloseNow()
		_ = c.Write(r.Context(), websocket.MessageText, []byte("hi"))
		_, _, _ = c.Read(r.Context())
	}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, msg, err := c.Read(ctx)
	if err != nil || string(msg) != "hi" {
		t.Fatalf("Read = %q, %v", msg, err)
	}
	c.Close(websocket.StatusNormalClosure, "")
	<-done

	if !strings.Contains(buf.String(), "upgraded=true") {
		t.Errorf("completion log does not mark the upgrade: %s", buf.String())
	}
}
