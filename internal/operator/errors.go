package operator

import (
	"context"
	"errors"
	"net/http"

	xerrors "AuctionMesh/internal/errors"
)

const (
	CodeAuctionCreationFailed xerrors.Code = "AUCTION_CREATION_FAILED"
	CodeAuctionExpired        xerrors.Code = "AUCTION_EXPIRED"
	CodeExecutionFailed       xerrors.Code = "EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeAuctionCreationFailed, xerrors.Attributes{
		Message:    "auction creation failed",
		Severity:   xerrors.SeverityError,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeAuctionExpired, xerrors.Attributes{
		Message:    "auction expired without a winner",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusGatewayTimeout,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:    "subtask execution failed",
		Severity:   xerrors.SeverityError,
		HTTPStatus: http.StatusBadGateway,
	})
}

// isTransient 判断失败是否值得重试。带错误码的错误以其 Retryable 属性为准，
// 未分类的错误按瞬时故障处理。
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		return e.Retryable()
	}
	return true
}

// reasonFor 把子任务错误映射为失败原因，取消优先。
func reasonFor(err error, fallback FailureReason) FailureReason {
	if xerrors.IsCode(err, xerrors.CodeCancelled) {
		return ReasonCancelled
	}
	return fallback
}
