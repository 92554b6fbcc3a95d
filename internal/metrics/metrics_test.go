package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RowsWritten.Add(5)
	m.WatermarkWrites.WithLabelValues("lastSeenAt", WatermarkSuppressed).Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"synapse_cache_rows_written_total 5",
		`synapse_watermark_writes_total{field="lastSeenAt",result="suppressed"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewUsesSeparateRegistries(t *testing.T) {
	// Registering twice on one registry would panic.
	a, b := New(), New()
	a.ActiveJobs.Set(3)
	if a.Registry == b.Registry {
		t.Error("registries are shared")
	}
}
