package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	SetBuildInfo("test", "deadbeef")
	FramesSent.Inc()
	PayloadsDelivered.WithLabelValues("TOTAL").Inc()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"mcastqueue_sender_frames_sent_total",
		`mcastqueue_payloads_delivered_total{guarantee="TOTAL"}`,
		`mcastqueue_build_info{git_sha="deadbeef",version="test"} 1`,
		"mcastqueue_uptime_seconds",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
