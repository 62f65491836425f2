package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/insightvmi/insightd/internal/metrics"
)

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	m := metrics.New()
	m.DumpsLoaded.Set(3)
	m.RecordFinding("mismatch")
	m.RecordAPIRequest("/api/v1/types", 200)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"insightd_dumps_loaded 3",
		`insightd_findings_recorded_total{kind="mismatch"} 1`,
		`insightd_api_requests_total{route="/api/v1/types",status_class="2xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\nfull body:\n%s", want, body)
		}
	}
}

func TestStatusClass_CoversAllBuckets(t *testing.T) {
	m := metrics.New()
	cases := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tc := range cases {
		m.RecordAPIRequest("/x", tc.code)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	for _, tc := range cases {
		want := `status_class="` + tc.want + `"`
		if !strings.Contains(body, want) {
			t.Errorf("missing %s for code %d\nbody:\n%s", want, tc.code, body)
		}
	}
}
