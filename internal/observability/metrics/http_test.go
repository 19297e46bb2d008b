package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewHTTPMetrics(reg)

	ok := m.Middleware("tasks", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	boom := m.Middleware("tasks", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))
	boom.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("tasks", http.MethodPost, "202")); got != 1 {
		t.Fatalf("expected 1 accepted request, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("tasks", http.MethodPost)); got != 1 {
		t.Fatalf("expected 1 server error, got %v", got)
	}

	// 重复注册时复用已有指标。
	again := MustNewHTTPMetrics(reg)
	if again.requests != m.requests {
		t.Fatal("expected collectors to be reused")
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewHTTPMetrics(reg)
	m.ObserveHTTPRequest("healthz", http.MethodGet, http.StatusOK, 0)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `auctionmesh_http_requests_total{code="200",handler="healthz",method="GET"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
