package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	PartiallyFailed int   `json:"partially_failed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(status Status, updatedAt int64) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusPartiallyFailed:
		s.PartiallyFailed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
	if s.OldestUpdatedAt == 0 || (updatedAt != 0 && updatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = updatedAt
	}
}

// merge 合并一个按状态分组后的聚合结果。
func (s *TaskStats) merge(status Status, count int, oldest, newest int64) {
	if count <= 0 {
		return
	}
	for i := 0; i < count; i++ {
		s.add(status, newest)
	}
	if oldest != 0 && (s.OldestUpdatedAt == 0 || oldest < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = oldest
	}
}
