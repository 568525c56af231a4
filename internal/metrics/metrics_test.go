package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetQueueDepth(3)
	m.RecordUpload(time.Second, true)
	m.RecordPull(time.Second, false)
	m.RecordChange("create")
	m.RecordConflict("pull")
	m.RecordTransportCall("upload", time.Millisecond, true)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetQueueDepth(2)
	m.RecordUpload(10*time.Millisecond, true)
	m.RecordConflict("push")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"quill_queue_depth 2", "quill_uploads_total", `quill_conflicts_total{origin="push"} 1`} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
