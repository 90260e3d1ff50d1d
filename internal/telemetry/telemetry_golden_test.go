package telemetry

import (
	"bufio"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeView struct{}

func (fakeView) ListServers() []string { return []string{"10.0.0.1:80"} }
func (fakeView) Online(string) (bool, bool) { return true, true }
func (fakeView) LastHeartbeat(string) (time.Time, bool) {
	return time.Unix(1700000000, 0), true
}
func (fakeView) DownSince(string) (time.Time, bool) { return time.Time{}, false }

// Golden test that /metrics contains expected metric names.
func TestMetricsGoldenContains(t *testing.T) {
	ctx := context.Background()
	resetMetricsForTest()
	RegisterStateView(fakeView{})
	defer RegisterStateView(nil)

	cfg := Config{ServiceName: "wswatch", PromEnabled: true, AdminAddr: "127.0.0.1:0", BuildVersion: "test"}
	tel, err := Init(ctx, cfg)
	if err != nil {
		t.Fatalf("telemetry init error: %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	ts := httptest.NewServer(tel.PrometheusHandler)
	defer ts.Close()

	IncConnAttempt(ctx, "10.0.0.1:80", TransportProbe, "success")
	IncWSReconnect(ctx, "10.0.0.1:80", ReasonPeerClose)
	IncNotification(ctx, NotifyDropped, "sent")
	ObserveHeartbeatGap(ctx, "10.0.0.1:80", 21)
	if tel.MeterProvider != nil {
		_ = tel.MeterProvider.ForceFlush(ctx)
	}

	body := scrape(t, ts.URL, "wswatch_connection_attempts_total")

	f, err := os.Open(filepath.Join("testdata", "expected_contains.golden"))
	if err != nil {
		t.Fatalf("read golden: %v", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		needle := strings.TrimSpace(s.Text())
		if needle == "" {
			continue
		}
		if !strings.Contains(body, needle) {
			t.Fatalf("expected metrics body to contain %q. body=\n%s", needle, body)
		}
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan golden: %v", err)
	}
}
