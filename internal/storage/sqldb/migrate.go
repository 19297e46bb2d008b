package sqldb

import (
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"AuctionMesh/deploy/migrations"
	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/pkg/logger"
)

const versionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// Migration 是一个按版本号排序的 SQL 文件，语句以分号分隔。
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// Migrator 把内嵌的迁移文件应用到数据库。
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	source  fs.FS
	now     func() time.Time
}

// NewMigrator 使用 deploy/migrations 中对应方言的目录。
func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	return &Migrator{db: db, dialect: dialect, source: migrations.Files, now: time.Now}
}

// Migrate 依次执行尚未应用的迁移文件。
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	_, err := NewMigrator(db, dialect).Up(ctx)
	return err
}

// Pending 返回尚未应用的迁移，按版本升序。
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if _, err := m.db.ExecContext(ctx, versionTable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	all, err := readMigrations(m.source, string(m.dialect))
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, mig := range all {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Up 应用全部待执行的迁移，返回本次应用的版本号。每个版本在独立事务中执行。
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.Named("sqldb")
	var done []string
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return done, err
		}
		done = append(done, mig.Version)
		log.Info("数据库迁移已应用", slog.String("dialect", string(m.dialect)), slog.String("migration", mig.Name))
	}
	return done, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range mig.Statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败",
				xerrors.WithMetadata("migration", mig.Name),
				xerrors.WithMetadata("statement", strconv.Itoa(i+1)),
			)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		mig.Version, m.now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// readMigrations 读取 dir 下的 .sql 文件，忽略没有语句的文件。
func readMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	names, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	out := make([]Migration, 0, len(names))
	for _, full := range names {
		content, err := fs.ReadFile(fsys, full)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件失败",
				xerrors.WithMetadata("file", full))
		}
		stmts := statements(string(content))
		if len(stmts) == 0 {
			continue
		}
		name := path.Base(full)
		out = append(out, Migration{Version: versionOf(name), Name: name, Statements: stmts})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func statements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// versionOf 取文件名中第一个 "_" 或 "." 之前的部分，例如 0002_indexes.sql → 0002。
func versionOf(name string) string {
	if i := strings.IndexAny(name, "_."); i > 0 {
		return name[:i]
	}
	return name
}
