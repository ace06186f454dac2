// Package localdir implements a mirror on a plain directory: one file per
// object, named by the hashed key. It backs the mirror HTTP server and can be
// used directly as a machine-local mirror.
package localdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/logging"
	"github.com/needy-build/needy-cache/internal/mirror"
)

// DefaultLifetime 是 Prune 未指定寿命时使用的对象寿命。
const DefaultLifetime = 7 * 24 * time.Hour

// ErrInvalidName 表示对象名不是合法的 sha256 十六进制串。
var ErrInvalidName = errors.New("invalid object name")

// Mirror 把对象存放在 root 目录下。
type Mirror struct {
	name   string
	root   string
	now    func() time.Time
	logger *logrus.Logger
}

// Option 调整 Mirror 的可选行为。
type Option func(*Mirror)

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

// WithLogger 注入 logger。
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Mirror) { m.logger = logger }
}

// New 创建目录镜像；root 不存在时创建。
func New(name, root string, opts ...Option) (*Mirror, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("mirror root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve mirror root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	m := &Mirror{
		name:   name,
		root:   abs,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Mirror) Name() string {
	return m.name
}

// Root 返回镜像目录。
func (m *Mirror) Root() string {
	return m.root
}

func (m *Mirror) Set(ctx context.Context, key, source string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.PutObject(ctx, mirror.ObjectName(key), f)
}

func (m *Mirror) Get(ctx context.Context, key, destination string) (bool, error) {
	f, _, err := m.OpenObject(mirror.ObjectName(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err := mirror.WriteFile(ctx, f, destination); err != nil {
		return false, err
	}
	return true, nil
}

// OpenObject 打开对象供读取，并刷新其修改时间，使最近使用的对象不被 Prune。
func (m *Mirror) OpenObject(name string) (*os.File, fs.FileInfo, error) {
	path, err := m.objectPath(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fs.ErrNotExist
	}
	now := m.now()
	if err := os.Chtimes(path, now, now); err != nil {
		m.logger.WithFields(logrus.Fields{"action": "mirror_touch", "object": name}).
			WithError(err).Warn("mirror_touch_failed")
	}
	return f, info, nil
}

// StatObject 返回对象信息，不刷新时间。
func (m *Mirror) StatObject(name string) (fs.FileInfo, error) {
	path, err := m.objectPath(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fs.ErrNotExist
	}
	return info, nil
}

// PutObject 以 r 的内容覆盖对象。
func (m *Mirror) PutObject(ctx context.Context, name string, r io.Reader) error {
	path, err := m.objectPath(name)
	if err != nil {
		return err
	}
	return mirror.WriteFile(ctx, r, path)
}

// Prune 删除修改时间早于 now-lifetime 的对象，以 "." 开头的文件（包括写入中的临时文件）
// 不受影响。lifetime <= 0 时使用 DefaultLifetime。
func (m *Mirror) Prune(lifetime time.Duration) (int, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := m.now().Add(-lifetime)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.root, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.WithFields(logrus.Fields{"action": "mirror_prune", "object": entry.Name()}).
				WithError(err).Warn("mirror_prune_failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.WithFields(logrus.Fields{"action": "mirror_prune", "removed": removed}).Info("mirror_pruned")
	}
	return removed, nil
}

func (m *Mirror) String() string {
	return m.root
}

func (m *Mirror) objectPath(name string) (string, error) {
	if !mirror.ValidObjectName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(m.root, name), nil
}

var _ mirror.Mirror = (*Mirror)(nil)
