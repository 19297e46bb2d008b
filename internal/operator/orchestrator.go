package operator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AuctionMesh/internal/agent"
	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/ledger"
	"AuctionMesh/pkg/logger"
)

const tracerName = "AuctionMesh/internal/operator"

// Decomposer 把原始任务文本拆成有序的子任务描述。
type Decomposer interface {
	Decompose(ctx context.Context, rawText string) ([]string, error)
}

// DecomposerFunc 允许使用普通函数实现 Decomposer。
type DecomposerFunc func(ctx context.Context, rawText string) ([]string, error)

// Decompose 实现 Decomposer 接口。
func (f DecomposerFunc) Decompose(ctx context.Context, rawText string) ([]string, error) {
	return f(ctx, rawText)
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithEventSink 设置状态迁移的接收方。
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithMetrics 设置 Prometheus 指标。
func WithMetrics(metrics *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithTracer 覆盖默认的 OpenTelemetry tracer。
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// Orchestrator 驱动一个任务走完 拆解 → 拍卖 → 监控 → 执行 → 汇总。
type Orchestrator struct {
	decomposer  Decomposer
	coordinator *AuctionCoordinator
	monitor     *AuctionMonitor
	execution   *ExecutionCoordinator
	cfg         Config
	sink        EventSink
	metrics     *Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// NewOrchestrator 使用显式依赖构造编排器。ledger 在所有监控之间共享，必须并发安全。
func NewOrchestrator(decomposer Decomposer, l ledger.Ledger, executor agent.Executor, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		decomposer: decomposer,
		cfg:        cfg.withDefaults(),
		sink:       nopSink{},
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.coordinator = NewAuctionCoordinator(l, o.cfg, o.metrics)
	o.monitor = NewAuctionMonitor(l, o.cfg, o.metrics)
	o.execution = NewExecutionCoordinator(executor, o.cfg, o.metrics)
	return o
}

// subtaskReport 是监控/执行协程发回汇总循环的单次状态迁移。
type subtaskReport struct {
	index  int
	status SubtaskStatus
	agent  string
	result string
	reason FailureReason
	err    error
}

// Run 执行完整的任务流程。只有拆解失败时才返回 error，此时结果状态为 failed 且没有子任务；
// 其余情况下子任务失败只体现在结果中。
func (o *Orchestrator) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	ctx = logger.WithTask(ctx, req.ID)
	ctx, span := o.tracer.Start(ctx, "operator.Run", trace.WithAttributes(attribute.String("task.id", req.ID)))
	defer span.End()

	log := logger.FromContext(ctx)
	o.metrics.taskStarted()
	result := &TaskResult{TaskID: req.ID, StartedAt: o.now()}

	stageStart := o.now()
	o.emitStage(ctx, req.ID, StageDecomposing)
	descriptions, err := o.decomposer.Decompose(ctx, req.RawText)
	o.metrics.observeStage(StageDecomposing, o.now().Sub(stageStart))
	if err != nil {
		result.OverallStatus = OverallFailed
		result.FailureReason = reasonFor(err, ReasonDecompositionError)
		result.Error = err.Error()
		result.Subtasks = []SubtaskResult{}
		result.FinishedAt = o.now()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decomposition failed")
		log.Error("任务拆解失败", "error", err)
		o.finish(ctx, result)
		return result, err
	}
	span.SetAttributes(attribute.Int("task.subtasks", len(descriptions)))

	subtasks := make([]*Subtask, len(descriptions))
	for i, description := range descriptions {
		subtasks[i] = &Subtask{
			ID:            req.ID + ":" + strconv.Itoa(i),
			ParentTaskID:  req.ID,
			Description:   description,
			SequenceIndex: i,
			Status:        SubtaskPending,
		}
		o.emitSubtask(ctx, subtasks[i])
	}

	stageStart = o.now()
	o.emitStage(ctx, req.ID, StageAuctioning)
	pending := make([]Subtask, len(subtasks))
	for i, st := range subtasks {
		pending[i] = *st
	}
	creations := o.coordinator.CreateAuctions(ctx, pending)
	var open []int
	for i, st := range subtasks {
		creation, ok := creations[st.ID]
		if !ok || creation.Err != nil || creation.Handle == nil {
			cause := creation.Err
			if cause == nil {
				cause = xerrors.New(CodeAuctionCreationFailed, "auction creation produced no handle")
			}
			o.fail(st, reasonFor(cause, ReasonAuctionCreationError), cause)
			o.emitSubtask(ctx, st)
			continue
		}
		st.Auction = creation.Handle
		st.Status = SubtaskAuctionOpen
		o.emitSubtask(ctx, st)
		open = append(open, i)
	}
	o.metrics.observeStage(StageAuctioning, o.now().Sub(stageStart))

	if len(open) > 0 {
		stageStart = o.now()
		o.emitStage(ctx, req.ID, StageMonitoring)
		reports := make(chan subtaskReport, 3*len(open))
		var wg sync.WaitGroup
		for _, idx := range open {
			wg.Add(1)
			go func(st Subtask) {
				defer wg.Done()
				o.track(ctx, st, reports)
			}(*subtasks[idx])
		}
		go func() {
			wg.Wait()
			close(reports)
		}()

		executing := false
		for rep := range reports {
			st := subtasks[rep.index]
			if st.Status.Terminal() {
				continue
			}
			if rep.status == SubtaskExecuting && !executing {
				executing = true
				o.emitStage(ctx, req.ID, StageExecuting)
			}
			o.apply(st, rep)
			o.emitSubtask(ctx, st)
		}
		o.metrics.observeStage(StageMonitoring, o.now().Sub(stageStart))
	}

	o.emitStage(ctx, req.ID, StageAggregating)
	result.Subtasks = make([]SubtaskResult, 0, len(subtasks))
	failed := 0
	for _, st := range subtasks {
		if st.Status != SubtaskCompleted {
			failed++
		}
		o.metrics.subtaskFinished(st.Status, st.FailureReason)
		result.Subtasks = append(result.Subtasks, st.toResult())
	}
	sort.SliceStable(result.Subtasks, func(i, j int) bool {
		return result.Subtasks[i].SequenceIndex < result.Subtasks[j].SequenceIndex
	})
	if failed == 0 {
		result.OverallStatus = OverallCompleted
	} else {
		result.OverallStatus = OverallPartiallyFailed
		result.Error = fmt.Sprintf("%d of %d subtasks failed", failed, len(subtasks))
		span.SetStatus(codes.Error, result.Error)
	}
	result.FinishedAt = o.now()
	log.Info("任务编排完成", "overall_status", result.OverallStatus, "subtasks", len(subtasks), "failed", failed)
	o.finish(ctx, result)
	return result, nil
}

// track 在独立协程中监控一个拍卖，结算后立即执行，不等待其他子任务。
func (o *Orchestrator) track(ctx context.Context, st Subtask, reports chan<- subtaskReport) {
	ctx, span := o.tracer.Start(ctx, "operator.subtask", trace.WithAttributes(
		attribute.String("subtask.id", st.ID),
		attribute.String("auction.id", st.Auction.AuctionID),
	))
	defer span.End()

	idx := st.SequenceIndex
	outcome := o.monitor.Watch(ctx, *st.Auction, o.cfg.PollInterval, o.cfg.MaxWait)
	span.SetAttributes(attribute.String("auction.outcome", string(outcome.Kind)), attribute.Int("auction.polls", outcome.Polls))

	switch outcome.Kind {
	case OutcomeCancelled:
		err := xerrors.Wrap(xerrors.CodeCancelled, context.Cause(ctx), "auction monitoring cancelled")
		reports <- subtaskReport{index: idx, status: SubtaskFailed, reason: ReasonCancelled, err: err}
		return
	case OutcomeExpired:
		err := xerrors.Wrap(CodeAuctionExpired, outcome.LastError, "auction expired without a winner",
			xerrors.WithMetadata("auction_id", outcome.AuctionID),
			xerrors.WithMetadata("polls", strconv.Itoa(outcome.Polls)),
		)
		span.SetStatus(codes.Error, "auction expired")
		reports <- subtaskReport{index: idx, status: SubtaskFailed, reason: ReasonAuctionExpired, err: err}
		return
	}

	winner := outcome.WinnerAgentID
	reports <- subtaskReport{index: idx, status: SubtaskAuctionResolved, agent: winner}
	reports <- subtaskReport{index: idx, status: SubtaskExecuting, agent: winner}

	st.AssignedAgent = winner
	output, err := o.execution.Execute(ctx, st, winner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		reports <- subtaskReport{index: idx, status: SubtaskFailed, agent: winner, reason: reasonFor(err, ReasonExecutionError), err: err}
		return
	}
	reports <- subtaskReport{index: idx, status: SubtaskCompleted, agent: winner, result: output}
}

func (o *Orchestrator) apply(st *Subtask, rep subtaskReport) {
	st.Status = rep.status
	if rep.agent != "" {
		st.AssignedAgent = rep.agent
	}
	switch rep.status {
	case SubtaskCompleted:
		st.Result = rep.result
	case SubtaskFailed:
		st.FailureReason = rep.reason
		st.Err = rep.err
	}
}

func (o *Orchestrator) fail(st *Subtask, reason FailureReason, err error) {
	st.Status = SubtaskFailed
	st.FailureReason = reason
	st.Err = err
}

func (o *Orchestrator) finish(ctx context.Context, result *TaskResult) {
	o.metrics.taskFinished(result.OverallStatus)
	o.publish(ctx, Event{
		Type:          EventTaskStage,
		TaskID:        result.TaskID,
		Stage:         StageDone,
		OverallStatus: result.OverallStatus,
		FailureReason: result.FailureReason,
		Error:         result.Error,
		At:            o.now(),
	})
}

func (o *Orchestrator) emitStage(ctx context.Context, taskID string, stage Stage) {
	o.publish(ctx, Event{Type: EventTaskStage, TaskID: taskID, Stage: stage, At: o.now()})
}

func (o *Orchestrator) emitSubtask(ctx context.Context, st *Subtask) {
	event := Event{
		Type:          EventSubtaskStatus,
		TaskID:        st.ParentTaskID,
		SubtaskID:     st.ID,
		SequenceIndex: st.SequenceIndex,
		Description:   st.Description,
		Status:        st.Status,
		AgentID:       st.AssignedAgent,
		Result:        st.Result,
		FailureReason: st.FailureReason,
		At:            o.now(),
	}
	if st.Auction != nil {
		event.AuctionID = st.Auction.AuctionID
	}
	if st.Err != nil {
		event.Error = st.Err.Error()
	}
	o.publish(ctx, event)
}

// publish 不受任务取消影响，保证取消后的状态迁移仍能送达。
func (o *Orchestrator) publish(ctx context.Context, event Event) {
	if err := o.sink.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.FromContext(ctx).LogAttrs(ctx, slog.LevelWarn, "状态事件发送失败",
			slog.String("type", string(event.Type)),
			slog.String("subtask_id", event.SubtaskID),
			slog.String("error", err.Error()),
		)
	}
}
