package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestRecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransition("draft", "analyzing")
	c.RecordTransition("draft", "analyzing")
	c.RecordTransition("analyzing", "completed")

	ms := gather(t, reg, "retinalab_study_transitions_total")
	if len(ms) != 2 {
		t.Fatalf("expected 2 series, got %d", len(ms))
	}
	for _, m := range ms {
		l := labels(m)
		want := 1.0
		if l["from"] == "draft" {
			want = 2
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("%v = %v, want %v", l, got, want)
		}
	}
}

func TestRecordAnalysisAndChat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAnalysis("retinal_scan", "timeout", 30*time.Second)
	c.RecordChat("failed", time.Second)
	c.RecordEventPublish("study.analysis_failed", errors.New("down"))

	ms := gather(t, reg, "retinalab_analysis_total")
	if len(ms) != 1 || labels(ms[0])["outcome"] != "timeout" {
		t.Fatalf("unexpected analysis series %v", ms)
	}
	hist := gather(t, reg, "retinalab_analysis_duration_seconds")
	if hist[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one latency sample")
	}
	if gather(t, reg, "retinalab_chat_total")[0].GetCounter().GetValue() != 1 {
		t.Fatalf("chat counter not incremented")
	}
	if labels(gather(t, reg, "retinalab_event_publish_total")[0])["result"] != "error" {
		t.Fatalf("publish error not labelled")
	}
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHTTPRequest("GET", "/api/studies/{id}", 404, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `retinalab_http_requests_total{method="GET",route="/api/studies/{id}",status_code="404"} 1`) {
		t.Fatalf("metric missing from scrape output:\n%s", body)
	}
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
