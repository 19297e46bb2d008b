package task

import (
	"net/http"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/operator"
)

// Status 表示任务在托管生命周期中的状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal 判断任务是否已结束。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// statusFor 把编排结果映射为任务状态。
func statusFor(overall operator.OverallStatus) Status {
	switch overall {
	case operator.OverallCompleted:
		return StatusCompleted
	case operator.OverallPartiallyFailed:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}

// Task 描述一个排队等待编排的任务请求及其进度。
type Task struct {
	ID         string                   `json:"id"`
	RawText    string                   `json:"raw_text"`
	Metadata   map[string]any           `json:"metadata,omitempty"`
	Status     Status                   `json:"status"`
	Attempts   int                      `json:"attempts"`
	MaxRetries int                      `json:"max_retries"`
	LastError  string                   `json:"last_error,omitempty"`
	ErrorCode  string                   `json:"error_code,omitempty"`
	Subtasks   []operator.SubtaskResult `json:"subtasks,omitempty"`
	Result     *operator.TaskResult     `json:"result,omitempty"`
	CreatedAt  int64                    `json:"created_at"`
	UpdatedAt  int64                    `json:"updated_at"`
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskFinished   xerrors.Code = "TASK_FINISHED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskPartial    xerrors.Code = "TASK_PARTIALLY_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrTaskFinished 表示任务已经结束。
	ErrTaskFinished = xerrors.New(CodeTaskFinished, "task already finished")
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskFinished, xerrors.Attributes{
		Message:    "task already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:    "task retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskPartial, xerrors.Attributes{
		Message:  "some subtasks failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Metadata = cloneMetadata(task.Metadata)
	if task.Subtasks != nil {
		clone.Subtasks = append([]operator.SubtaskResult(nil), task.Subtasks...)
	}
	if task.Result != nil {
		result := *task.Result
		result.Subtasks = append([]operator.SubtaskResult(nil), task.Result.Subtasks...)
		clone.Result = &result
	}
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
