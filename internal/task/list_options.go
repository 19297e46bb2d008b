package task

import (
	"strings"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SortField 指定列表排序使用的时间列，相同时间按 ID 排序。
type SortField string

const (
	SortUpdated SortField = "updated_at"
	SortCreated SortField = "created_at"
)

// TimeWindow 是闭区间 [From, To]，零值一端不设限。单位为 Unix 秒。
type TimeWindow struct {
	From int64
	To   int64
}

func (w TimeWindow) contains(ts int64) bool {
	if w.From > 0 && ts < w.From {
		return false
	}
	if w.To > 0 && ts > w.To {
		return false
	}
	return true
}

// ListOptions 描述任务列表与统计的筛选条件。
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []Status
	Updated   TimeWindow
	Created   TimeWindow
	HasResult *bool
	Query     string
	SortBy    SortField
	Ascending bool
}

func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultPageSize
	case o.Limit > maxPageSize:
		o.Limit = maxPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Statuses = dedupeStatuses(o.Statuses)
	if o.SortBy != SortCreated {
		o.SortBy = SortUpdated
	}
	o.Query = strings.TrimSpace(o.Query)
}

// sortKey 返回排序列对应的时间戳。
func (o ListOptions) sortKey(t *Task) int64 {
	if o.SortBy == SortCreated {
		return t.CreatedAt
	}
	return t.UpdatedAt
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) {
		o.Statuses = append([]Status(nil), statuses...)
	}
}

// WithUpdatedBetween 按更新时间筛选，零值表示该端不限。
func WithUpdatedBetween(from, to time.Time) ListOption {
	return func(o *ListOptions) { o.Updated = window(from, to) }
}

// WithCreatedBetween 按创建时间筛选，零值表示该端不限。
func WithCreatedBetween(from, to time.Time) ListOption {
	return func(o *ListOptions) { o.Created = window(from, to) }
}

// WithResultPresence 按是否已有编排结果筛选。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSort 设置排序列与方向。
func WithSort(field SortField, ascending bool) ListOption {
	return func(o *ListOptions) {
		o.SortBy = field
		o.Ascending = ascending
	}
}

// WithQuery 在 ID、原文、元数据与最近错误中做子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

func window(from, to time.Time) TimeWindow {
	var w TimeWindow
	if !from.IsZero() {
		w.From = from.Unix()
	}
	if !to.IsZero() {
		w.To = to.Unix()
	}
	return w
}

func dedupeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if !IsValidStatus(status) || containsStatus(out, status) {
			continue
		}
		out = append(out, status)
	}
	return out
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// ParseSortField 解析 "updated"/"created"（也接受带 _at 后缀的列名），空串表示按更新时间。
func ParseSortField(raw string) (SortField, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "_at") {
	case "", "updated":
		return SortUpdated, nil
	case "created":
		return SortCreated, nil
	}
	return SortUpdated, xerrors.New(CodeTaskValidation, "不支持的排序字段: "+raw)
}

// ParseStatuses 解析逗号分隔的状态列表，遇到未知状态时报错。
func ParseStatuses(raw string) ([]Status, error) {
	var statuses []Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status := Status(strings.ToLower(part))
		if !IsValidStatus(status) {
			return nil, xerrors.New(CodeTaskValidation, "未知的任务状态: "+part,
				xerrors.WithMetadata("status", part))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
