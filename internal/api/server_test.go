package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"AuctionMesh/internal/agent"
	"AuctionMesh/internal/ledger"
	"AuctionMesh/internal/observability/metrics"
	"AuctionMesh/internal/task"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *task.MemoryStore) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })
	svc := task.NewService(store, queue, 3)
	srv := httptest.NewServer(NewServer(":0", svc, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateAndFetchTask(t *testing.T) {
	srv, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"id":"task-1","raw_text":"fetch prices\nsummarise"}`)
	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", body)
	if err != nil {
		t.Fatalf("post task: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d", resp.StatusCode, http.StatusAccepted)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/tasks/task-1" {
		t.Fatalf("unexpected location header %q", loc)
	}
	var created task.Task
	decodeBody(t, resp, &created)
	if created.Status != task.StatusPending {
		t.Fatalf("expected pending task, got %s", created.Status)
	}

	resp, err = http.Get(srv.URL + "/api/v1/tasks/task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", resp.StatusCode, http.StatusOK)
	}
	var got task.Task
	decodeBody(t, resp, &got)
	if got.ID != "task-1" || got.RawText != "fetch prices\nsummarise" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := map[string]string{
		"empty text":    `{"raw_text":"   "}`,
		"unknown field": `{"raw_text":"x","goal":"y"}`,
		"bad json":      `{`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(payload))
			if err != nil {
				t.Fatalf("post task: %v", err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
			}
			var e errorResponse
			decodeBody(t, resp, &e)
			if e.Code != string(task.CodeTaskValidation) {
				t.Fatalf("unexpected error code %q", e.Code)
			}
		})
	}
}

func TestTaskDetailNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/missing")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
	var e errorResponse
	decodeBody(t, resp, &e)
	if e.Code != string(task.CodeTaskNotFound) {
		t.Fatalf("unexpected error code %q", e.Code)
	}
}

func TestListTasksWithFilters(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &task.Task{ID: id, RawText: "job " + id, Status: task.StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Cancel(ctx, "b"); err != nil {
		t.Fatalf("cancel b: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/tasks?status=pending&order=asc&limit=10")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", resp.StatusCode)
	}
	var listed struct {
		Tasks []task.Task `json:"tasks"`
		Count int         `json:"count"`
	}
	decodeBody(t, resp, &listed)
	if listed.Count != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", listed.Count)
	}
	for _, tk := range listed.Tasks {
		if tk.Status != task.StatusPending {
			t.Fatalf("unexpected status %s in filtered list", tk.Status)
		}
	}

	resp, err = http.Get(srv.URL + "/api/v1/tasks?status=bogus")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d for unknown status, got %d", http.StatusBadRequest, resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/v1/tasks/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats task.TaskStats
	decodeBody(t, resp, &stats)
	if stats.Total != 3 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCancelPendingAndFinishedTask(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.Create(context.Background(), &task.Task{ID: "t", RawText: "x", Status: task.StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/tasks/t/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", resp.StatusCode)
	}
	var cancelled task.Task
	decodeBody(t, resp, &cancelled)
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	resp, err = http.Post(srv.URL+"/api/v1/tasks/t/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.StatusCode)
	}
}

func TestListAgents(t *testing.T) {
	registry, err := agent.NewRegistry(
		agent.Profile{ID: "alpha", Type: "http", Endpoint: "http://alpha", Reliability: 90},
		agent.Profile{ID: "beta", Type: "http", Endpoint: "http://beta", Reliability: 70},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	srv, _ := newTestServer(t, WithAgents(registry))

	resp, err := http.Get(srv.URL + "/api/v1/agents")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	var payload struct {
		Agents []agent.Profile `json:"agents"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(payload.Agents))
	}
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewHTTPMetrics(reg)
	srv, _ := newTestServer(t, WithHTTPMetrics(m), WithMetricsHandler(metrics.Handler(reg)))

	resp, err := http.Get(srv.URL + "/api/v1/tasks/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `handler="tasks.detail"`) {
		t.Fatalf("expected tasks.detail series in metrics output:\n%s", buf.String())
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	srv, _ := newTestServer(t, WithAllowedOrigins("https://console.example"))

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://console.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestBidStreamDeliversBids(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	auction, err := mem.CreateAuction(context.Background(), "translate docs")
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	srv, _ := newTestServer(t, WithBidSource(mem))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/auctions/" + auction.ID + "/bids"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := mem.SubmitBid(auction.ID, "alpha", big.NewInt(42)); err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var bid ledger.Bid
	if err := conn.ReadJSON(&bid); err != nil {
		t.Fatalf("read bid: %v", err)
	}
	if bid.Agent != "alpha" || bid.Amount.Int64() != 42 || bid.AuctionID != auction.ID {
		t.Fatalf("unexpected bid %+v", bid)
	}
}

func TestBidStreamUnknownAuction(t *testing.T) {
	srv, _ := newTestServer(t, WithBidSource(ledger.NewMemoryLedger()))

	resp, err := http.Get(srv.URL + "/api/v1/auctions/nope/bids")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
}
