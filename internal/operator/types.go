package operator

import "time"

// TaskRequest 是提交给编排器的原始任务，创建后不可变。
type TaskRequest struct {
	ID        string    `json:"id"`
	RawText   string    `json:"raw_text"`
	CreatedAt time.Time `json:"created_at"`
}

// SubtaskStatus 描述子任务所处阶段。
type SubtaskStatus string

const (
	SubtaskPending         SubtaskStatus = "pending"
	SubtaskAuctionOpen     SubtaskStatus = "auction_open"
	SubtaskAuctionResolved SubtaskStatus = "auction_resolved"
	SubtaskExecuting       SubtaskStatus = "executing"
	SubtaskCompleted       SubtaskStatus = "completed"
	SubtaskFailed          SubtaskStatus = "failed"
)

// Terminal 判断状态是否为终态。
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// FailureReason 记录子任务或任务失败的原因类别。
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonDecompositionError   FailureReason = "DecompositionError"
	ReasonAuctionCreationError FailureReason = "AuctionCreationError"
	ReasonAuctionExpired       FailureReason = "AuctionExpired"
	ReasonExecutionError       FailureReason = "ExecutionError"
	ReasonCancelled            FailureReason = "Cancelled"
)

// AuctionHandle 是成功创建的拍卖，创建后只读。
type AuctionHandle struct {
	AuctionID string    `json:"auction_id"`
	SubtaskID string    `json:"subtask_id"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
}

// Subtask 是拆解得到的一个工作单元，只由编排器的汇总循环修改。
type Subtask struct {
	ID            string
	ParentTaskID  string
	Description   string
	SequenceIndex int
	Status        SubtaskStatus
	Auction       *AuctionHandle
	AssignedAgent string
	Result        string
	FailureReason FailureReason
	Err           error
}

func (s *Subtask) toResult() SubtaskResult {
	r := SubtaskResult{
		SubtaskID:     s.ID,
		SequenceIndex: s.SequenceIndex,
		Description:   s.Description,
		Status:        s.Status,
		AgentID:       s.AssignedAgent,
		Result:        s.Result,
		FailureReason: s.FailureReason,
	}
	if s.Auction != nil {
		r.AuctionID = s.Auction.AuctionID
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
	}
	return r
}

// OutcomeKind 是拍卖监控的最终结论。
type OutcomeKind string

const (
	OutcomeResolved  OutcomeKind = "resolved"
	OutcomeExpired   OutcomeKind = "expired"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// AuctionOutcome 由监控器对每个拍卖恰好产生一次。
type AuctionOutcome struct {
	AuctionID     string
	Kind          OutcomeKind
	WinnerAgentID string
	ResolvedAt    time.Time
	Polls         int
	LastError     error
}

// OverallStatus 是任务整体结果。
type OverallStatus string

const (
	OverallCompleted       OverallStatus = "completed"
	OverallPartiallyFailed OverallStatus = "partially_failed"
	OverallFailed          OverallStatus = "failed"
)

// SubtaskResult 是子任务在最终结果中的只读快照。
type SubtaskResult struct {
	SubtaskID     string        `json:"subtask_id"`
	SequenceIndex int           `json:"sequence_index"`
	Description   string        `json:"description"`
	Status        SubtaskStatus `json:"status"`
	AuctionID     string        `json:"auction_id,omitempty"`
	AgentID       string        `json:"agent_id,omitempty"`
	Result        string        `json:"result,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// TaskResult 是一次 Run 的完整结果，子任务按 SequenceIndex 排序。
type TaskResult struct {
	TaskID        string          `json:"task_id"`
	Subtasks      []SubtaskResult `json:"subtasks"`
	OverallStatus OverallStatus   `json:"overall_status"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}
