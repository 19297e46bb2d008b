package decompose

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

// CodeDecompositionFailed 表示任务无法被拆解，是任务级致命错误。
const CodeDecompositionFailed xerrors.Code = "DECOMPOSITION_FAILED"

func init() {
	xerrors.Register(CodeDecompositionFailed, xerrors.Attributes{
		Message:    "task decomposition failed",
		Severity:   xerrors.SeverityError,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

// Spec 是拆解引擎返回的单个子任务描述。
type Spec struct {
	Description string `json:"description"`
}

// Service 是外部拆解引擎的抽象。
type Service interface {
	Decompose(ctx context.Context, text string) ([]Spec, error)
}

// ServiceFunc 允许使用普通函数实现 Service。
type ServiceFunc func(ctx context.Context, text string) ([]Spec, error)

// Decompose 实现 Service 接口。
func (f ServiceFunc) Decompose(ctx context.Context, text string) ([]Spec, error) {
	return f(ctx, text)
}

const defaultTimeout = 60 * time.Second

// Decomposer 调用拆解引擎并校验结果，不会自行编造子任务。
type Decomposer struct {
	service     Service
	timeout     time.Duration
	maxSubtasks int
}

// Option 定义 Decomposer 的可选配置。
type Option func(*Decomposer)

// WithTimeout 设置单次拆解的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(d *Decomposer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxSubtasks 限制单个任务允许拆出的子任务数量，0 表示不限制。
func WithMaxSubtasks(n int) Option {
	return func(d *Decomposer) {
		if n >= 0 {
			d.maxSubtasks = n
		}
	}
}

// New 创建 Decomposer。
func New(service Service, opts ...Option) *Decomposer {
	d := &Decomposer{service: service, timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Decompose 把原始任务文本拆解为有序的子任务描述列表。
func (d *Decomposer) Decompose(ctx context.Context, rawText string) ([]string, error) {
	if d == nil || d.service == nil {
		return nil, xerrors.New(CodeDecompositionFailed, "未配置拆解引擎")
	}
	text := strings.TrimSpace(rawText)
	if text == "" {
		return nil, xerrors.New(CodeDecompositionFailed, "任务文本为空")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	specs, err := d.service.Decompose(callCtx, text)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, xerrors.Wrap(CodeDecompositionFailed, xerrors.FromContext(ctx.Err(), "拆解被取消"), "拆解被取消")
		case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
			return nil, xerrors.Wrap(CodeDecompositionFailed, err, fmt.Sprintf("拆解超时（%s）", d.timeout), xerrors.WithRetryable(true))
		default:
			return nil, xerrors.Wrap(CodeDecompositionFailed, err, "拆解引擎返回错误", xerrors.WithRetryable(xerrors.RetryableError(err)))
		}
	}

	if len(specs) == 0 {
		return nil, xerrors.New(CodeDecompositionFailed, "拆解结果为空")
	}
	if d.maxSubtasks > 0 && len(specs) > d.maxSubtasks {
		return nil, xerrors.New(CodeDecompositionFailed, fmt.Sprintf("拆解结果包含 %d 个子任务，超过上限 %d", len(specs), d.maxSubtasks))
	}
	descriptions := make([]string, 0, len(specs))
	for idx, spec := range specs {
		description := strings.TrimSpace(spec.Description)
		if description == "" {
			return nil, xerrors.New(CodeDecompositionFailed, fmt.Sprintf("第 %d 个子任务描述为空", idx+1))
		}
		descriptions = append(descriptions, description)
	}
	return descriptions, nil
}
