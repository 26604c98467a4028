package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerServesMetrics(t *testing.T) {
	SetBuildInfo("test", "go1.24")
	RecordTarget("paginate", "done")
	RecordStoreRequest("createRun", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"trawler_build_info",
		"trawler_targets_processed_total",
		"trawler_store_requests_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestMemoryCollectorStops(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		StartMemoryCollector(time.Millisecond, stopCh)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("memory collector did not stop")
	}
}

func TestUpdateMemoryMetrics(t *testing.T) {
	updateMemoryMetrics()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "trawler_goroutines") {
		t.Error("goroutine gauge missing")
	}
}
