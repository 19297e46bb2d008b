package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/operator"
	"AuctionMesh/internal/storage/sqldb"
)

// SQLStore 使用 MySQL 或 SQLite 记录任务与子任务进度。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	now     func() time.Time
}

// NewSQLStore 打开数据库，并在 migrate 为 true 时执行迁移。
func NewSQLStore(ctx context.Context, cfg sqldb.Config, migrate bool) (*SQLStore, error) {
	db, dialect, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开任务数据库失败")
	}
	if migrate {
		if err := sqldb.Migrate(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return NewSQLStoreWithDB(db, dialect), nil
}

// NewSQLStoreWithDB 复用已打开的连接。
func NewSQLStoreWithDB(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

const taskColumns = `id, raw_text, metadata, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var metadata sql.NullString
	if len(task.Metadata) > 0 {
		encoded, err := json.Marshal(task.Metadata)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
		}
		metadata = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`,
		task.ID, task.RawText, metadata, string(task.Status), task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if s.isDuplicate(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

func (s *SQLStore) isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// Get 查询任务及其子任务进度。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}

	subtasks, err := s.loadSubtasks(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Subtasks = subtasks
	return task, nil
}

func (s *SQLStore) loadSubtasks(ctx context.Context, taskID string) ([]operator.SubtaskResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subtask_id, sequence_index, description, status, auction_id, agent_id,
        result, failure_reason, error FROM subtasks WHERE task_id = ? ORDER BY sequence_index ASC`, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子任务失败")
	}
	defer rows.Close()

	var subtasks []operator.SubtaskResult
	for rows.Next() {
		var (
			st     operator.SubtaskResult
			status string
			reason string
			result sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(&st.SubtaskID, &st.SequenceIndex, &st.Description, &status, &st.AuctionID, &st.AgentID,
			&result, &reason, &errMsg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析子任务失败")
		}
		st.Status = operator.SubtaskStatus(status)
		st.FailureReason = operator.FailureReason(reason)
		st.Result = result.String
		st.Error = errMsg.String
		subtasks = append(subtasks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历子任务失败")
	}
	return subtasks, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`,
		string(StatusRunning), s.now().Unix(), id, string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch {
		case task.Status.Terminal():
			return task, ErrTaskFinished
		case task.Status == StatusRunning:
			return task, ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			return task, ErrTaskExhausted
		default:
			return task, ErrTaskConflict
		}
	}
	return task, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureExists 检查任务是否存在。MySQL 默认只统计实际变化的行，不能用 RowsAffected 判断。
func (s *SQLStore) ensureExists(ctx context.Context, db execer, id string) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return nil
}

// RecordSubtask 按 (task_id, sequence_index) 写入子任务进度。
func (s *SQLStore) RecordSubtask(ctx context.Context, taskID string, st operator.SubtaskResult) error {
	if err := s.ensureExists(ctx, s.db, taskID); err != nil {
		return err
	}
	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, now, taskID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务时间失败")
	}
	return s.upsertSubtask(ctx, s.db, taskID, st, now)
}

func (s *SQLStore) upsertSubtask(ctx context.Context, db execer, taskID string, st operator.SubtaskResult, now int64) error {
	stmt := `INSERT INTO subtasks (task_id, sequence_index, subtask_id, description, status, auction_id, agent_id, result, failure_reason, error, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	switch s.dialect {
	case sqldb.MySQL:
		stmt += ` ON DUPLICATE KEY UPDATE status = VALUES(status), auction_id = VALUES(auction_id), agent_id = VALUES(agent_id),
        result = VALUES(result), failure_reason = VALUES(failure_reason), error = VALUES(error), updated_at = VALUES(updated_at)`
	default:
		stmt += ` ON CONFLICT (task_id, sequence_index) DO UPDATE SET status = excluded.status, auction_id = excluded.auction_id,
        agent_id = excluded.agent_id, result = excluded.result, failure_reason = excluded.failure_reason, error = excluded.error,
        updated_at = excluded.updated_at`
	}
	if _, err := db.ExecContext(ctx, stmt, taskID, st.SequenceIndex, st.SubtaskID, st.Description, string(st.Status),
		st.AuctionID, st.AgentID, st.Result, string(st.FailureReason), st.Error, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入子任务进度失败")
	}
	return nil
}

// Finish 写入终态与完整编排结果。result 为空时保留已有结果。
func (s *SQLStore) Finish(ctx context.Context, id string, status Status, result *operator.TaskResult, code xerrors.Code, lastError string) error {
	now := s.now().Unix()
	query := `UPDATE tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ?`
	args := []any{string(status), lastError, string(code), now}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
		}
		query += `, result = ?`
		args = append(args, string(encoded))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if err := s.ensureExists(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务终态失败")
	}
	if result != nil {
		for _, st := range result.Subtasks {
			if err := s.upsertSubtask(ctx, tx, id, st, now); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务终态失败")
	}
	return nil
}

// Requeue 记录失败原因并把任务放回 pending，清理上一轮的子任务进度。
func (s *SQLStore) Requeue(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	if err := s.ensureExists(ctx, s.db, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(StatusPending), lastError, string(code), s.now().Unix(), id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "任务重新排队失败")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subtasks WHERE task_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理子任务进度失败")
	}
	return nil
}

// Cancel 只取消 pending 状态的任务。
func (s *SQLStore) Cancel(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status = ?`,
		string(StatusCancelled), string(xerrors.CodeCancelled), "cancelled before processing", s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
	}
	affected, _ := res.RowsAffected()
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if task.Status == StatusRunning {
			return task, ErrTaskConflict
		}
		return task, ErrTaskFinished
	}
	return task, nil
}

// List 返回符合条件的任务，不包含子任务明细。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	direction := "DESC"
	if opts.Ascending {
		direction = "ASC"
	}
	// SortBy 只可能是两个常量之一，可以直接拼入语句。
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", opts.SortBy, direction, direction)
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	query := `SELECT status, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0) FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.merge(Status(status), count, oldest, newest)
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task     Task
		status   string
		metadata sql.NullString
		result   sql.NullString
		errCode  sql.NullString
		lastErr  sql.NullString
	)
	if err := row.Scan(&task.ID, &task.RawText, &metadata, &status, &task.Attempts, &task.MaxRetries,
		&lastErr, &errCode, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastErr.String
	task.ErrorCode = errCode.String
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var decoded operator.TaskResult
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		task.Result = &decoded
	}
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	for _, w := range []struct {
		column string
		window TimeWindow
	}{{"updated_at", opts.Updated}, {"created_at", opts.Created}} {
		if w.window.From > 0 {
			conditions = append(conditions, w.column+" >= ?")
			args = append(args, w.window.From)
		}
		if w.window.To > 0 {
			conditions = append(conditions, w.column+" <= ?")
			args = append(args, w.window.To)
		}
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR raw_text LIKE ? OR metadata LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
