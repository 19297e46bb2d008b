package operator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"AuctionMesh/pkg/logger"
)

// Stage 是任务级的编排阶段。
type Stage string

const (
	StageDecomposing Stage = "decomposing"
	StageAuctioning  Stage = "auctioning"
	StageMonitoring  Stage = "monitoring"
	StageExecuting   Stage = "executing"
	StageAggregating Stage = "aggregating"
	StageDone        Stage = "done"
)

// EventType 区分任务阶段事件与子任务状态事件。
type EventType string

const (
	EventTaskStage     EventType = "task.stage"
	EventSubtaskStatus EventType = "subtask.status"
)

// Event 描述一次状态迁移，发送给 EventSink。
type Event struct {
	Type          EventType     `json:"type"`
	TaskID        string        `json:"task_id"`
	Stage         Stage         `json:"stage,omitempty"`
	OverallStatus OverallStatus `json:"overall_status,omitempty"`
	SubtaskID     string        `json:"subtask_id,omitempty"`
	SequenceIndex int           `json:"sequence_index"`
	Description   string        `json:"description,omitempty"`
	Status        SubtaskStatus `json:"status,omitempty"`
	AuctionID     string        `json:"auction_id,omitempty"`
	AgentID       string        `json:"agent_id,omitempty"`
	Result        string        `json:"result,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// EventSink 接收状态迁移。Publish 的错误只会被记录，不影响编排。
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc 允许使用普通函数实现 EventSink。
type EventSinkFunc func(ctx context.Context, event Event) error

// Publish 实现 EventSink 接口。
func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// FanoutSink 把事件依次发送给多个下游。
type FanoutSink []EventSink

// Publish 实现 EventSink 接口。
func (f FanoutSink) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink 把状态迁移写入审计日志。
type LogSink struct {
	Logger *slog.Logger
}

// Publish 实现 EventSink 接口。
func (s LogSink) Publish(ctx context.Context, event Event) error {
	log := s.Logger
	if log == nil {
		log = logger.Audit()
	}
	attrs := []slog.Attr{
		slog.String("type", string(event.Type)),
		slog.String("task_id", event.TaskID),
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(event.Stage)))
	}
	if event.OverallStatus != "" {
		attrs = append(attrs, slog.String("overall_status", string(event.OverallStatus)))
	}
	if event.SubtaskID != "" {
		attrs = append(attrs,
			slog.String("subtask_id", event.SubtaskID),
			slog.Int("sequence_index", event.SequenceIndex),
			slog.String("status", string(event.Status)),
		)
	}
	if event.AuctionID != "" {
		attrs = append(attrs, slog.String("auction_id", event.AuctionID))
	}
	if event.AgentID != "" {
		attrs = append(attrs, slog.String("agent_id", event.AgentID))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", string(event.FailureReason)))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "状态迁移", attrs...)
	return nil
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
