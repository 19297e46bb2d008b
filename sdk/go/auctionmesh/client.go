package auctionmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client talks to the AuctionMesh REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// SubmitRequest is the payload for creating a task.
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	RawText  string         `json:"raw_text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Subtask mirrors the per-subtask outcome reported by the server.
type Subtask struct {
	SubtaskID     string `json:"subtask_id"`
	SequenceIndex int    `json:"sequence_index"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	AuctionID     string `json:"auction_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	Result        string `json:"result,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Result is the final orchestration report of a task.
type Result struct {
	TaskID        string    `json:"task_id"`
	Subtasks      []Subtask `json:"subtasks"`
	OverallStatus string    `json:"overall_status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Task is the server-side view of a submitted task.
type Task struct {
	ID         string         `json:"id"`
	RawText    string         `json:"raw_text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Subtasks   []Subtask      `json:"subtasks,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	switch t.Status {
	case "completed", "partially_failed", "failed", "cancelled":
		return true
	}
	return false
}

// ListQuery narrows down List results. Zero values are omitted.
type ListQuery struct {
	Limit        int
	Offset       int
	Statuses     []string
	Query        string
	SortBy       string // "updated" (default) or "created"
	Ascending    bool
	HasResult    *bool
	UpdatedSince time.Time
	UpdatedUntil time.Time
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.SortBy != "" {
		v.Set("sort", q.SortBy)
	}
	if q.Ascending {
		v.Set("order", "asc")
	}
	if q.HasResult != nil {
		v.Set("has_result", strconv.FormatBool(*q.HasResult))
	}
	if !q.UpdatedSince.IsZero() {
		v.Set("updated_since", strconv.FormatInt(q.UpdatedSince.Unix(), 10))
	}
	if !q.UpdatedUntil.IsZero() {
		v.Set("updated_until", strconv.FormatInt(q.UpdatedUntil.Unix(), 10))
	}
	return v
}

// Stats aggregates task counts per status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	PartiallyFailed int   `json:"partially_failed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Agent describes a registered agent.
type Agent struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Wallet         string   `json:"wallet,omitempty"`
	Endpoint       string   `json:"endpoint,omitempty"`
	Queue          string   `json:"queue,omitempty"`
	Reliability    int      `json:"reliability"`
	TasksCompleted int      `json:"tasks_completed"`
}

// Bid is a live bid pushed by the bid stream.
type Bid struct {
	AuctionID   string    `json:"auction_id"`
	Agent       string    `json:"agent"`
	Amount      *big.Int  `json:"amount"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("auctionmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("auctionmesh api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient creates a client for the API rooted at rawURL. When httpClient is
// nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}, nil
}

// Submit creates a task. Re-submitting an existing ID returns the stored task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	var out Task
	err := c.call(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &out)
	return out, err
}

// Get fetches a task including its subtask progress.
func (c *Client) Get(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// List returns tasks matching q.
func (c *Client) List(ctx context.Context, q ListQuery) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks", q.values(), nil, &out)
	return out.Tasks, err
}

// Stats returns task counts matching q.
func (c *Client) Stats(ctx context.Context, q ListQuery) (Stats, error) {
	var out Stats
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks/stats", q.values(), nil, &out)
	return out, err
}

// Cancel requests cancellation. A running task is returned still running and
// becomes cancelled once the worker stops it.
func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.call(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
	return out, err
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/agents", nil, nil, &out)
	return out.Agents, err
}

// Wait polls until the task is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamBids subscribes to live bids of an auction. The returned channel is
// closed when ctx ends or the server closes the stream.
func (c *Client) StreamBids(ctx context.Context, auctionID string) (<-chan Bid, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/api/v1/auctions", url.PathEscape(auctionID), "bids")

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial bid stream: %w", err)
	}

	out := make(chan Bid)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var bid Bid
			if err := conn.ReadJSON(&bid); err != nil {
				return
			}
			select {
			case out <- bid:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := *c.baseURL
	u.Path = path.Join(u.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
