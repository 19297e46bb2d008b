package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

// Request 描述发给中标智能体的执行请求。
type Request struct {
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id"`
	SubtaskID   string    `json:"subtask_id"`
	AuctionID   string    `json:"auction_id,omitempty"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline,omitempty"`
}

// Response 是智能体返回的执行结果。
type Response struct {
	Output   string            `json:"output"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Executor 把子任务派发给指定智能体并等待结果。
// 超时与不可达应返回可重试错误，智能体明确拒绝应返回 REJECTED。
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ExecutorFunc 允许使用普通函数实现 Executor。
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// CodeUnknownAgent 表示中标者不在智能体注册表中。
const CodeUnknownAgent xerrors.Code = "AGENT_UNKNOWN"

func init() {
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{
		Message:    "agent not registered",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusNotFound,
	})
}

// classifyTransportError 把传输层错误映射为统一错误码。
func classifyTransportError(ctx context.Context, err error, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return xerrors.FromContext(ctxErr, message)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeUnavailable, err, message)
}
