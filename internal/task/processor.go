package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/observability/alerting"
	"AuctionMesh/internal/operator"
	"AuctionMesh/pkg/logger"
)

// Runner 执行一次完整的任务编排，通常由 *operator.Orchestrator 实现。
type Runner interface {
	Run(ctx context.Context, req operator.TaskRequest) (*operator.TaskResult, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	cancels     *CancelRegistry
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithCancelRegistry 与 Service 共享同一个取消注册表。
func WithCancelRegistry(registry *CancelRegistry) ProcessorOption {
	return func(p *Processor) {
		if registry != nil {
			p.cancels = registry
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		cancels:     NewCancelRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Cancels 返回处理器使用的取消注册表。
func (p *Processor) Cancels() *CancelRegistry {
	return p.cancels
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		return p.handleClaimFailure(ctx, taskID, task, err)
	}

	runCtx, release := p.cancels.Track(ctx, task.ID)
	defer release()

	result, runErr := p.runner.Run(runCtx, operator.TaskRequest{
		ID:        task.ID,
		RawText:   task.RawText,
		CreatedAt: time.Unix(task.CreatedAt, 0),
	})

	// 终态写入不受 worker 退出影响。
	persistCtx := context.WithoutCancel(ctx)
	switch {
	case cancelRequested(runCtx):
		return p.finishCancelled(persistCtx, task, result)
	case ctx.Err() != nil:
		return p.handleShutdown(persistCtx, task, ctx.Err())
	case runErr != nil:
		return p.handleRunFailure(persistCtx, task, result, runErr)
	}
	return p.finishRun(persistCtx, task, result)
}

func (p *Processor) handleClaimFailure(ctx context.Context, taskID string, task *Task, err error) error {
	switch {
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskFinished), stdErrors.Is(err, ErrTaskConflict):
		p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	case stdErrors.Is(err, ErrTaskExhausted):
		msg := "重试次数耗尽"
		if task != nil && task.LastError != "" {
			msg = task.LastError
		}
		if storeErr := p.store.Finish(ctx, taskID, StatusFailed, nil, CodeTaskExhausted, msg); storeErr != nil {
			p.logger.Error("标记任务耗尽状态失败", slog.Any("error", storeErr), slog.String("task_id", taskID))
			return storeErr
		}
		if task == nil {
			task = &Task{ID: taskID}
		}
		p.emitAlert(ctx, task, CodeTaskExhausted, err, "exhausted", nil)
		return nil
	}
	p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
	p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim", nil)
	return err
}

func (p *Processor) finishCancelled(ctx context.Context, task *Task, result *operator.TaskResult) error {
	if err := p.store.Finish(ctx, task.ID, StatusCancelled, result, xerrors.CodeCancelled, "cancelled while running"); err != nil {
		p.logger.Error("标记任务取消状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("任务已取消",
		slog.String("task_id", task.ID),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

// handleShutdown 在进程退出时把任务放回 pending，返回错误使队列保留该消息。
func (p *Processor) handleShutdown(ctx context.Context, task *Task, cause error) error {
	if err := p.store.Requeue(ctx, task.ID, xerrors.CodeCancelled, "interrupted by shutdown"); err != nil {
		p.logger.Error("进程退出时回退任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	p.logger.Warn("任务因进程退出被中断", slog.String("task_id", task.ID))
	return xerrors.FromContext(cause, "任务处理被中断")
}

func (p *Processor) handleRunFailure(ctx context.Context, task *Task, result *operator.TaskResult, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if terminal {
		if err := p.store.Finish(ctx, task.ID, StatusFailed, result, code, runErr.Error()); err != nil {
			p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
			return err
		}
	} else if err := p.store.Requeue(ctx, task.ID, code, runErr.Error()); err != nil {
		p.logger.Error("任务重新排队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}

	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
	}
	p.emitAlert(ctx, task, code, runErr, stage, nil)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) finishRun(ctx context.Context, task *Task, result *operator.TaskResult) error {
	if result == nil {
		err := xerrors.New(CodeTaskProcessing, "编排器未返回结果")
		return p.handleRunFailure(ctx, task, nil, err)
	}

	status := statusFor(result.OverallStatus)
	var code xerrors.Code
	if status == StatusPartiallyFailed {
		code = CodeTaskPartial
	}
	if err := p.store.Finish(ctx, task.ID, status, result, code, result.Error); err != nil {
		p.logger.Error("写入任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskProcessing, err, "persist", nil)
		return err
	}

	failed := 0
	for _, st := range result.Subtasks {
		if st.Status != operator.SubtaskCompleted {
			failed++
		}
	}
	logger.Audit().Info("任务处理完成",
		slog.String("task_id", task.ID),
		slog.String("status", string(status)),
		slog.Int("subtasks", len(result.Subtasks)),
		slog.Int("failed", failed),
	)
	if status == StatusPartiallyFailed {
		p.emitAlert(ctx, task, CodeTaskPartial, nil, "partial", map[string]string{
			"failed":   strconv.Itoa(failed),
			"subtasks": strconv.Itoa(len(result.Subtasks)),
		})
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string, extra map[string]string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		metadata[k] = v
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Stage:      stage,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
