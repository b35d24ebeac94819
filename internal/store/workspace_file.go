// workspace_file.go — YAML 工作区注册表 (可热加载)。
//
// 文件格式:
//
//	workspaces:
//	  - id: demo
//	    name: Demo
//	    path: ./demo        # 相对路径按文件所在目录解析
package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	apperrors "github.com/multi-agent/workspace-gateway/pkg/errors"
	"github.com/multi-agent/workspace-gateway/pkg/logger"
	"github.com/multi-agent/workspace-gateway/pkg/util"
)

// reloadDebounce 合并编辑器保存时产生的连续事件。
const reloadDebounce = 100 * time.Millisecond

type registryFile struct {
	Workspaces []registryEntry `yaml:"workspaces"`
}

type registryEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// FileWorkspaceStore 基于 YAML 文件的只读工作区查询。
type FileWorkspaceStore struct {
	path string

	mu       sync.RWMutex
	byID     map[string]Workspace
	loadedAt time.Time
}

var _ WorkspaceLookup = (*FileWorkspaceStore)(nil)

// NewFileWorkspaceStore 加载注册表文件。文件必须存在且合法。
func NewFileWorkspaceStore(path string) (*FileWorkspaceStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "NewFileWorkspaceStore", "resolve %s", path)
	}
	s := &FileWorkspaceStore{path: abs, byID: map[string]Workspace{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path 注册表文件绝对路径。
func (s *FileWorkspaceStore) Path() string { return s.path }

// Reload 重新读取文件; 失败时保留旧数据。
func (s *FileWorkspaceStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return apperrors.Wrapf(err, "FileWorkspaceStore.Reload", "read %s", s.path)
	}
	items, err := parseRegistry(data, filepath.Dir(s.path))
	if err != nil {
		return err
	}

	byID := make(map[string]Workspace, len(items))
	for _, ws := range items {
		byID[ws.ID] = ws
	}
	s.mu.Lock()
	s.byID = byID
	s.loadedAt = time.Now()
	s.mu.Unlock()

	logger.Info("store: workspace registry loaded", logger.FieldPath, s.path, logger.FieldCount, len(items))
	return nil
}

// parseRegistry 解析 YAML 并校验: ID 不可重复, 路径统一转为绝对路径。
func parseRegistry(data []byte, baseDir string) ([]Workspace, error) {
	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, apperrors.Wrap(err, "FileWorkspaceStore.Reload", "parse yaml")
	}

	seen := make(map[string]bool, len(reg.Workspaces))
	out := make([]Workspace, 0, len(reg.Workspaces))
	for _, e := range reg.Workspaces {
		if seen[e.ID] {
			return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "FileWorkspaceStore.Reload",
				apperrors.CodeInvalidInput, "duplicate workspace id: "+e.ID)
		}
		seen[e.ID] = true

		ws := Workspace{
			ID:           e.ID,
			DisplayName:  util.FirstNonEmpty(e.Name, e.ID),
			AbsolutePath: resolvePath(e.Path, baseDir),
		}
		if err := ws.Validate(); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, nil
}

// resolvePath 展开 ~/ 并把相对路径挂到 baseDir 下。
func resolvePath(p, baseDir string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Clean(p)
}

// GetByID 按 ID 查询, 不存在返回 (nil, nil)。
func (s *FileWorkspaceStore) GetByID(_ context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return &ws, nil
}

// List 返回全部工作区 (按 ID 排序)。
func (s *FileWorkspaceStore) List(_ context.Context) ([]Workspace, error) {
	s.mu.RLock()
	out := make([]Workspace, 0, len(s.byID))
	for _, ws := range s.byID {
		out = append(out, ws)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch 监听注册表文件变化并自动 Reload, 阻塞直到 ctx 取消。
//
// 监听的是所在目录: 编辑器常以 rename 方式替换文件, 直接监听文件会丢失后续事件。
func (s *FileWorkspaceStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(err, "FileWorkspaceStore.Watch", "create watcher")
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return apperrors.Wrapf(err, "FileWorkspaceStore.Watch", "watch %s", filepath.Dir(s.path))
	}
	logger.Info("store: watching workspace registry", logger.FieldPath, s.path)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				logger.Warn("store: reload failed, keeping previous registry",
					logger.FieldPath, s.path, logger.FieldError, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("store: watcher error", logger.FieldError, err)
		}
	}
}
