package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

// HTTPExecutor 通过 HTTP POST 把子任务派发给智能体的 endpoint。
type HTTPExecutor struct {
	registry   *Registry
	httpClient *http.Client
}

// NewHTTPExecutor 创建 HTTP 执行器。timeout 作为单次请求的上限，调用方的
// ctx 截止时间更早时以 ctx 为准。
func NewHTTPExecutor(registry *Registry, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPExecutor{
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute 实现 Executor 接口。
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	profile, err := e.registry.Resolve(req.AgentID)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(profile.Endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeRejected, fmt.Sprintf("智能体 %s 未配置 endpoint", profile.ID))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化执行请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRejected, err, "构建执行请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Subtask-ID", req.SubtaskID)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err, fmt.Sprintf("调用智能体 %s 失败", profile.ID))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		message := fmt.Sprintf("智能体 %s 返回错误状态 %d: %s", profile.ID, resp.StatusCode, strings.TrimSpace(string(body)))
		switch {
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
			return nil, xerrors.New(xerrors.CodeTimeout, message)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			return nil, xerrors.New(xerrors.CodeUnavailable, message)
		default:
			return nil, xerrors.New(xerrors.CodeRejected, message)
		}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRejected, err, fmt.Sprintf("解析智能体 %s 的响应失败", profile.ID))
	}
	return &out, nil
}
