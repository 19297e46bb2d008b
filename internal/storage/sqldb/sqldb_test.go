package sqldb

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nested", "test.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if dialect != SQLite {
		t.Fatalf("unexpected dialect %q", dialect)
	}

	applied, err := NewMigrator(db, dialect).Up(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "0001" || applied[1] != "0002" {
		t.Fatalf("unexpected applied versions %v", applied)
	}
	// 第二次执行应当跳过已应用的版本。
	if err := Migrate(ctx, db, dialect); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	pending, err := NewMigrator(db, dialect).Pending(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v (%v)", pending, err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", count)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO tasks (id, raw_text, status, created_at, updated_at) VALUES ('t1', 'x', 'pending', 1, 1)`); err != nil {
		t.Fatalf("tasks table missing: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, _, err := Open(context.Background(), Config{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for empty mysql dsn")
	}
}

func TestReadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"sqlite/0002_more.sql":  {Data: []byte("CREATE TABLE b (id INT);")},
		"sqlite/0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);\n\nCREATE INDEX ia ON a (id);")},
		"sqlite/README.md":      {Data: []byte("ignored")},
		"sqlite/0003_empty.sql": {Data: []byte("  ;  ")},
	}
	files, err := readMigrations(fsys, "sqlite")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].Version != "0001" || files[0].Name != "0001_init.sql" || len(files[0].Statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", files[0])
	}
	if files[1].Version != "0002" {
		t.Fatalf("unexpected second migration: %+v", files[1])
	}
}
