package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// scrape fetches the exposition until it contains needle or attempts run out.
func scrape(t *testing.T, url, needle string) string {
	t.Helper()
	var body string
	for i := 0; i < 5; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET /metrics failed: %v", err)
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		body = string(b)
		if strings.Contains(body, needle) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return body
}

// Smoke test that /metrics contains at least one wswatch_* metric when Prom exporter is enabled.
func TestMetricsSmoke(t *testing.T) {
	ctx := context.Background()
	resetMetricsForTest()
	cfg := Config{
		ServiceName:          "wswatch",
		PromEnabled:          true,
		OTLPEnabled:          false,
		AdminAddr:            "127.0.0.1:0",
		BuildVersion:         "test",
		BuildCommit:          "deadbeef",
		MetricExportInterval: 5 * time.Second,
	}
	tel, err := Init(ctx, cfg)
	if err != nil {
		t.Fatalf("telemetry init error: %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	if tel.PrometheusHandler == nil {
		t.Fatalf("Prometheus handler nil; PromEnabled should enable it")
	}
	ts := httptest.NewServer(tel.PrometheusHandler)
	defer ts.Close()

	IncConnAttempt(ctx, "127.0.0.1:9000", TransportWebSocket, "success")
	if tel.MeterProvider != nil {
		_ = tel.MeterProvider.ForceFlush(ctx)
	}

	body := scrape(t, ts.URL, "wswatch_connection_attempts_total")
	if !strings.Contains(body, "wswatch_connection_attempts_total") {
		t.Fatalf("expected wswatch_connection_attempts_total in metrics, got:\n%s", body)
	}
	if !strings.Contains(body, `server="127.0.0.1:9000"`) {
		t.Fatalf("expected server label in metrics, got:\n%s", body)
	}
}

func TestHelpersBeforeInitDoNotPanic(t *testing.T) {
	resetMetricsForTest()
	ctx := context.Background()
	IncConnAttempt(ctx, "a:1", TransportProbe, "failure")
	IncConnError(ctx, "a:1", TransportProbe, "io_error")
	IncWSReconnect(ctx, "a:1", "")
	ObserveHeartbeatGap(ctx, "a:1", 12)
	IncNotification(ctx, NotifyDropped, "sent")
}
