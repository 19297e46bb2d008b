package task

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/operator"
)

// MemoryStore 以内存方式保存任务状态，用于开发模式与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch {
	case task.Status.Terminal():
		return cloneTask(task), ErrTaskFinished
	case task.Status == StatusRunning:
		return cloneTask(task), ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// RecordSubtask 按 SequenceIndex 覆盖子任务进度。
func (m *MemoryStore) RecordSubtask(_ context.Context, taskID string, subtask operator.SubtaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	replaced := false
	for i := range task.Subtasks {
		if task.Subtasks[i].SequenceIndex == subtask.SequenceIndex {
			task.Subtasks[i] = subtask
			replaced = true
			break
		}
	}
	if !replaced {
		task.Subtasks = append(task.Subtasks, subtask)
		sort.Slice(task.Subtasks, func(i, j int) bool {
			return task.Subtasks[i].SequenceIndex < task.Subtasks[j].SequenceIndex
		})
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

// Finish 记录终态与编排结果。
func (m *MemoryStore) Finish(_ context.Context, id string, status Status, result *operator.TaskResult, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	task.LastError = lastError
	task.ErrorCode = string(code)
	if result != nil {
		copied := *result
		copied.Subtasks = append([]operator.SubtaskResult(nil), result.Subtasks...)
		task.Result = &copied
		task.Subtasks = append([]operator.SubtaskResult(nil), result.Subtasks...)
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

// Requeue 记录失败原因并把任务放回 pending。
func (m *MemoryStore) Requeue(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusPending
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.Subtasks = nil
	task.UpdatedAt = m.now().Unix()
	return nil
}

// Cancel 实现 Store 接口。
func (m *MemoryStore) Cancel(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch {
	case task.Status.Terminal():
		return cloneTask(task), ErrTaskFinished
	case task.Status == StatusRunning:
		return cloneTask(task), ErrTaskConflict
	}
	task.Status = StatusCancelled
	task.ErrorCode = string(xerrors.CodeCancelled)
	task.LastError = "cancelled before processing"
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// List 返回符合条件的任务，不包含子任务明细。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.normalize()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		clone := cloneTask(task)
		clone.Subtasks = nil
		results = append(results, clone)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		ka, kb := opts.sortKey(a), opts.sortKey(b)
		if ka == kb {
			if opts.Ascending {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if opts.Ascending {
			return ka < kb
		}
		return ka > kb
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.normalize()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			stats.add(task.Status, task.UpdatedAt)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, task.Status) {
		return false
	}
	if !opts.Updated.contains(task.UpdatedAt) || !opts.Created.contains(task.CreatedAt) {
		return false
	}
	if opts.HasResult != nil && (task.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(task, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(task *Task, query string) bool {
	query = strings.ToLower(query)
	fields := []string{task.ID, task.RawText, task.LastError}
	if len(task.Metadata) > 0 {
		if encoded, err := json.Marshal(task.Metadata); err == nil {
			fields = append(fields, string(encoded))
		}
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
