package task

import (
	"context"

	"AuctionMesh/internal/operator"
)

// Recorder 把子任务状态事件写入任务存储，使查询接口可以看到运行中的进度。
type Recorder struct {
	store Store
}

// NewRecorder 创建 Recorder。
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Publish 实现 operator.EventSink 接口，忽略任务阶段事件。
func (r *Recorder) Publish(ctx context.Context, event operator.Event) error {
	if r == nil || r.store == nil || event.Type != operator.EventSubtaskStatus {
		return nil
	}
	return r.store.RecordSubtask(ctx, event.TaskID, operator.SubtaskResult{
		SubtaskID:     event.SubtaskID,
		SequenceIndex: event.SequenceIndex,
		Description:   event.Description,
		Status:        event.Status,
		AuctionID:     event.AuctionID,
		AgentID:       event.AgentID,
		Result:        event.Result,
		FailureReason: event.FailureReason,
		Error:         event.Error,
	})
}

var _ operator.EventSink = (*Recorder)(nil)
