package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// servedMux wraps a mux with the middleware, mirroring how the app mounts it.
func servedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := useTestTracer(t)
	m, reader := newTestMetrics(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /calls/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /realtime", func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	})
	return Middleware(m)(mux), reader, exp
}

func spanAttr(t *testing.T, exp *tracetest.InMemoryExporter, key string) attribute.Value {
	t.Helper()
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == key {
			return a.Value
		}
	}
	t.Fatalf("span has no %s attribute", key)
	return attribute.Value{}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	tests := []struct {
		path       string
		wantStatus int
		wantRoute  string
		wantSpan   string
	}{
		{"/healthz", http.StatusOK, "GET /healthz", "HTTP GET /healthz"},
		{"/calls/abc-123", http.StatusServiceUnavailable, "GET /calls/{id}", "HTTP GET /calls/{id}"},
		{"/wp-login.php", http.StatusNotFound, "unmatched", "HTTP GET"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h, reader, exp := servedMux(t)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := exp.GetSpans()[0].Name; got != tt.wantSpan {
				t.Errorf("span name = %q, want %q", got, tt.wantSpan)
			}
			if got := spanAttr(t, exp, "http.route").AsString(); got != tt.wantRoute {
				t.Errorf("http.route = %q, want %q", got, tt.wantRoute)
			}
			if got := spanAttr(t, exp, "http.response.status_code").AsInt64(); got != int64(tt.wantStatus) {
				t.Errorf("http.response.status_code = %d, want %d", got, tt.wantStatus)
			}

			rm := collect(t, reader)
			met := findMetric(rm, "callbridge.http.request.duration")
			if met == nil {
				t.Fatal("duration metric not found")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("data points = %+v, want one sample", hist.DataPoints)
			}
			if v, _ := hist.DataPoints[0].Attributes.Value("route"); v.AsString() != tt.wantRoute {
				t.Errorf("route attribute = %q, want %q", v.AsString(), tt.wantRoute)
			}
		})
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h, _, _ := servedMux(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := rec.Header().Get(CorrelationHeader); len(got) != 32 {
		t.Errorf("%s = %q, want a fresh 32 digit trace ID", CorrelationHeader, got)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response is missing traceparent")
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want the caller's trace %s", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_UpgradedCall(t *testing.T) {
	h, reader, exp := servedMux(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/realtime")
	if err == nil {
		resp.Body.Close()
	}

	// The handler's span ends after the client sees the closed connection.
	waitSpans(t, exp, 1)
	if got := spanAttr(t, exp, "http.response.status_code").AsInt64(); got != http.StatusSwitchingProtocols {
		t.Errorf("status code = %d, want 101", got)
	}
	rm := collect(t, reader)
	hist := findMetric(rm, "callbridge.http.request.duration").Data.(metricdata.Histogram[float64])
	if v, ok := hist.DataPoints[0].Attributes.Value("upgraded"); !ok || !v.AsBool() {
		t.Error("upgraded attribute not set for a hijacked request")
	}
}

func TestMiddleware_HijackUnsupported(t *testing.T) {
	m, _ := newTestMetrics(t)
	useTestTracer(t)

	var hijackErr error
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _, hijackErr = w.(http.Hijacker).Hijack()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/realtime", nil))
	if hijackErr == nil {
		t.Error("Hijack on a ResponseRecorder succeeded, want error")
	}
}

func waitSpans(t *testing.T, exp *tracetest.InMemoryExporter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d spans, want %d", len(exp.GetSpans()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
