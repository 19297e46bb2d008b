package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/pkg/logger"
)

// MaxRawTextLength 限制单个任务原文的长度（按字符计）。
const MaxRawTextLength = 16 << 10

// SubmitRequest 描述一次任务提交。
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	RawText  string         `json:"raw_text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service 负责任务的创建、查询与取消。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	cancels    *CancelRegistry
	bus        CancelBus
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithServiceCancelRegistry 与 Processor 共享取消注册表。
func WithServiceCancelRegistry(registry *CancelRegistry) ServiceOption {
	return func(s *Service) {
		s.cancels = registry
	}
}

// WithCancelBus 配置跨进程的取消广播。
func WithCancelBus(bus CancelBus) ServiceOption {
	return func(s *Service) {
		s.bus = bus
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务并推送到队列。相同 ID 重复提交时返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	rawText := strings.TrimSpace(req.RawText)
	if rawText == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务原文不能为空")
	}
	if utf8.RuneCountInString(rawText) > MaxRawTextLength {
		return nil, xerrors.New(CodeTaskValidation, "任务原文过长")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		if len(taskID) > 64 || strings.ContainsAny(taskID, " \t\r\n") {
			return nil, xerrors.New(CodeTaskValidation, "任务 ID 不合法")
		}
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:         taskID,
		RawText:    rawText,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.Finish(context.WithoutCancel(ctx), taskID, StatusFailed, nil, CodeTaskPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.Int("raw_text_length", len(rawText)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Cancel 取消任务。pending 任务直接进入 cancelled；运行中的任务会收到取消信号，
// 由处理器在编排返回后写入 cancelled，此时返回的任务仍是 running。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.Cancel(ctx, id)
	if err == nil {
		logger.Audit().Info("任务在执行前取消", slog.String("task_id", id))
		return task, nil
	}
	if !stdErrors.Is(err, ErrTaskConflict) || task == nil || task.Status != StatusRunning {
		return task, err
	}

	local := s.cancels != nil && s.cancels.Cancel(id)
	if !local && s.bus != nil {
		if busErr := s.bus.Broadcast(ctx, id); busErr != nil {
			return task, xerrors.Wrap(xerrors.CodeUnavailable, busErr, "广播取消请求失败")
		}
	}
	logger.Audit().Info("已请求取消运行中的任务",
		slog.String("task_id", id),
		slog.Bool("local", local),
	)
	return task, nil
}

// ListenCancellations 把其他实例广播的取消请求转发给本地注册表，阻塞直到 ctx 结束。
func (s *Service) ListenCancellations(ctx context.Context) error {
	if s.bus == nil || s.cancels == nil {
		return nil
	}
	return s.bus.Listen(ctx, func(taskID string) {
		if s.cancels.Cancel(taskID) {
			logger.Audit().Info("收到远程取消请求", slog.String("task_id", taskID))
		}
	})
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilDone 按 interval 轮询，直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.FromContext(ctx.Err(), "等待任务结束超时")
		case <-ticker.C:
		}
	}
}
