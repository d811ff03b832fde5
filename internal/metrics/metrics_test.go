package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreIndependentPerInstance(t *testing.T) {
	a := New()
	b := New()

	a.VersionsAppended.WithLabelValues("save", "draft").Inc()
	a.VersionsAppended.WithLabelValues("save", "draft").Inc()

	if got := testutil.ToFloat64(a.VersionsAppended.WithLabelValues("save", "draft")); got != 2 {
		t.Fatalf("a save/draft = %v, want 2", got)
	}
	if got := testutil.ToFloat64(b.VersionsAppended.WithLabelValues("save", "draft")); got != 0 {
		t.Fatalf("b save/draft = %v, want 0", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.WriteConflicts.WithLabelValues("save").Inc()
	m.ObserveOperation("save", time.Now(), errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`workshelf_write_conflicts_total{operation="save"} 1`,
		`workshelf_operation_duration_seconds_count{operation="save",result="error"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
