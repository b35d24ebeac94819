package database

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/multi-agent/workspace-gateway/internal/config"
)

func TestMigrate_NilPool(t *testing.T) {
	if _, err := Migrate(context.Background(), nil, t.TempDir()); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestLoadAppliedVersions_NilConn(t *testing.T) {
	if _, err := loadAppliedVersions(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestApplyOneMigration_NilConn(t *testing.T) {
	if err := applyOneMigration(context.Background(), nil, t.TempDir(), "001_init.sql"); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

// TestListMigrationFiles 只取 .sql 文件并按文件名排序, 忽略子目录。
func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "README.md", "010_c.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := listMigrationFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001_a.sql", "002_b.sql", "010_c.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestListMigrationFiles_MissingDir(t *testing.T) {
	got, err := listMigrationFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil || got != nil {
		t.Errorf("got %v, %v; want nil, nil", got, err)
	}
}

func TestPendingMigrations(t *testing.T) {
	files := []string{"001_a.sql", "002_b.sql", "003_c.sql"}
	got := pendingMigrations(files, map[string]bool{"002_b.sql": true})
	want := []string{"001_a.sql", "003_c.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("pending = %v, want %v", got, want)
	}
	if got := pendingMigrations(files, map[string]bool{"001_a.sql": true, "002_b.sql": true, "003_c.sql": true}); len(got) != 0 {
		t.Errorf("all applied: pending = %v", got)
	}
}

func TestPoolConfig(t *testing.T) {
	if _, err := poolConfig(&config.Config{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}

	cfg := &config.Config{
		PostgresConnStr:     "postgres://u:p@localhost:5432/db",
		PostgresSchema:      "gateway",
		PostgresPoolMinSize: 8,
		PostgresPoolMaxSize: 4,
	}
	pc, err := poolConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pc.MaxConns != 4 || pc.MinConns != 4 {
		t.Errorf("min/max = %d/%d, want 4/4", pc.MinConns, pc.MaxConns)
	}
	if pc.AfterConnect == nil {
		t.Error("AfterConnect should set search_path for non-public schema")
	}
}

func TestSafeInt32(t *testing.T) {
	if got := safeInt32(-1, "x"); got != 0 {
		t.Errorf("safeInt32(-1) = %d", got)
	}
	if got := safeInt32(10, "x"); got != 10 {
		t.Errorf("safeInt32(10) = %d", got)
	}
}
