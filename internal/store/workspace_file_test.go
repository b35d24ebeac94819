package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
)

func writeRegistry(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestFileWorkspaceStore_LoadAndResolve 相对路径按文件目录解析, 名称缺省为 ID。
func TestFileWorkspaceStore_LoadAndResolve(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "workspaces.yaml")
	writeRegistry(t, file, `
workspaces:
  - id: beta
    path: ./projects/beta
  - id: alpha
    name: Alpha
    path: /srv/alpha
`)

	s, err := NewFileWorkspaceStore(file)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ws, err := s.GetByID(ctx, "beta")
	if err != nil || ws == nil {
		t.Fatalf("GetByID(beta) = %v, %v", ws, err)
	}
	if want := filepath.Join(dir, "projects", "beta"); ws.AbsolutePath != want {
		t.Errorf("path = %q, want %q", ws.AbsolutePath, want)
	}
	if ws.DisplayName != "beta" {
		t.Errorf("display name = %q, want id fallback", ws.DisplayName)
	}

	list, _ := s.List(ctx)
	if len(list) != 2 || list[0].ID != "alpha" || list[1].ID != "beta" {
		t.Errorf("List = %+v, want sorted alpha, beta", list)
	}
}

func TestFileWorkspaceStore_UnknownIsNilNil(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "workspaces.yaml")
	writeRegistry(t, file, "workspaces: []\n")

	s, err := NewFileWorkspaceStore(file)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := s.GetByID(context.Background(), "missing")
	if ws != nil || err != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", ws, err)
	}
}

func TestParseRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"duplicate", "workspaces:\n  - {id: a, path: /a}\n  - {id: a, path: /b}\n"},
		{"bad id", "workspaces:\n  - {id: '../etc', path: /a}\n"},
		{"empty path", "workspaces:\n  - {id: a, path: ''}\n"},
		{"bad yaml", "workspaces: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseRegistry([]byte(tt.body), "/base"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseRegistry_InvalidInputCode(t *testing.T) {
	_, err := parseRegistry([]byte("workspaces:\n  - {id: a, path: /a}\n  - {id: a, path: /b}\n"), "/base")
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

// TestFileWorkspaceStore_ReloadFailureKeepsPrevious 非法内容不覆盖已加载数据。
func TestFileWorkspaceStore_ReloadFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "workspaces.yaml")
	writeRegistry(t, file, "workspaces:\n  - {id: a, path: /a}\n")

	s, err := NewFileWorkspaceStore(file)
	if err != nil {
		t.Fatal(err)
	}
	writeRegistry(t, file, "workspaces: [\n")
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if ws, _ := s.GetByID(context.Background(), "a"); ws == nil {
		t.Error("previous registry lost after failed reload")
	}
}

func TestNewFileWorkspaceStore_MissingFile(t *testing.T) {
	if _, err := NewFileWorkspaceStore(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// TestFileWorkspaceStore_WatchReloads 文件变更后自动生效。
func TestFileWorkspaceStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "workspaces.yaml")
	writeRegistry(t, file, "workspaces:\n  - {id: a, path: /a}\n")

	s, err := NewFileWorkspaceStore(file)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// 给 watcher 注册目录的时间
	time.Sleep(100 * time.Millisecond)
	writeRegistry(t, file, "workspaces:\n  - {id: a, path: /a}\n  - {id: b, path: /b}\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ws, _ := s.GetByID(context.Background(), "b"); ws != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("registry change not picked up by Watch")
}

func TestWorkspaceValidate(t *testing.T) {
	tests := []struct {
		ws   Workspace
		want bool
	}{
		{Workspace{ID: "demo", AbsolutePath: "/srv/demo"}, true},
		{Workspace{ID: "demo.v2_x-1", AbsolutePath: "/srv/demo"}, true},
		{Workspace{ID: "", AbsolutePath: "/srv/demo"}, false},
		{Workspace{ID: "-lead", AbsolutePath: "/srv/demo"}, false},
		{Workspace{ID: "a/b", AbsolutePath: "/srv/demo"}, false},
		{Workspace{ID: "demo", AbsolutePath: "relative/dir"}, false},
	}
	for _, tt := range tests {
		if got := tt.ws.Validate() == nil; got != tt.want {
			t.Errorf("Validate(%+v) ok = %v, want %v", tt.ws, got, tt.want)
		}
	}
}
