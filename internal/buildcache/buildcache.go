// Package buildcache is the entry point the build orchestrator uses: it
// stores and loads artifact directories by key, keeps the use-time manifest
// current, and opportunistically collects expired artifacts. Store and load
// hold one key's lease at a time. The GC pass runs under the manifest lease and
// takes each expired key's lock with NoWait, so it never waits while holding
// the manifest and cannot deadlock.
package buildcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/cache"
	"github.com/needy-build/needy-cache/internal/logging"
	"github.com/needy-build/needy-cache/internal/manifest"
	"github.com/needy-build/needy-cache/internal/mirror"
)

const (
	DefaultLockTimeout    = 10 * time.Second
	DefaultObjectLifetime = 14 * 24 * time.Hour
	DefaultGCFrequency    = 24 * time.Hour
)

// ErrReservedKey 表示调用方试图把产物存到清单或策略使用的保留键上。
var ErrReservedKey = errors.New("reserved cache key")

// BuildCache 包装一个缓存后端，并负责清单维护与 GC。
type BuildCache struct {
	backend     cache.Backend
	lockTimeout cache.Timeout
	defaults    Policy
	logger      *logrus.Logger
	now         func() time.Time
	mirrors     []mirror.Mirror

	policyMu     sync.Mutex
	policy       Policy
	policyLoaded bool
}

// Option 调整 BuildCache 的构造参数。
type Option func(*BuildCache)

// WithLockTimeout 设置所有加锁操作的等待上限。
func WithLockTimeout(t cache.Timeout) Option {
	return func(c *BuildCache) { c.lockTimeout = t }
}

// WithDefaultPolicy 设置本实例的默认策略；缓存中已有策略时以已持久化的为准。
func WithDefaultPolicy(p Policy) Option {
	return func(c *BuildCache) { c.defaults = p }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(c *BuildCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(c *BuildCache) { c.now = now }
}

// WithMirrors 追加二级镜像：存储成功后上传，主缓存未命中时按顺序回源。
func WithMirrors(mirrors ...mirror.Mirror) Option {
	return func(c *BuildCache) { c.mirrors = append(c.mirrors, mirrors...) }
}

// New 构建 BuildCache。策略在第一次使用时才加载。
func New(backend cache.Backend, opts ...Option) *BuildCache {
	c := &BuildCache{
		backend:     backend,
		lockTimeout: cache.Within(DefaultLockTimeout),
		defaults:    DefaultPolicy(),
		logger:      logging.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend 返回底层缓存后端。
func (c *BuildCache) Backend() cache.Backend {
	return c.backend
}

// StoreArtifacts 把 directory 存为 key 的产物。source 不存在时返回 SourceNotFound，
// 且不会对该键做任何写入。
func (c *BuildCache) StoreArtifacts(ctx context.Context, directory, key string) error {
	const op = "store_artifacts"
	fields := logging.KeyFields(op, key)

	err := c.storeArtifacts(ctx, directory, key)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("artifacts_store_failed")
		return err
	}
	c.logger.WithFields(fields).Info("artifacts_stored")
	return nil
}

func (c *BuildCache) storeArtifacts(ctx context.Context, directory, key string) error {
	const op = "store_artifacts"
	if err := checkKey(key); err != nil {
		return err
	}
	info, err := os.Stat(directory)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &cache.Error{Op: op, Key: key, Path: directory, Kind: cache.KindSourceNotFound}
		}
		return &cache.Error{Op: op, Key: key, Path: directory, Kind: cache.KindIO, Err: err}
	}
	if !info.IsDir() {
		return &cache.Error{Op: op, Key: key, Path: directory, Kind: cache.KindIO, Err: errors.New("source is not a directory")}
	}

	if err := c.touch(ctx, key); err != nil {
		return err
	}

	var blob string
	if len(c.mirrors) > 0 {
		tmp, err := os.MkdirTemp("", "needy-mirror-*")
		if err != nil {
			return fmt.Errorf("create mirror staging dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		blob = filepath.Join(tmp, "blob")
	}

	opts := cache.LockOptions{Timeout: c.lockTimeout, Create: true}
	err = cache.WithLease(ctx, c.backend, key, opts, func() error {
		if err := cache.StoreDirectory(ctx, c.backend, directory, key); err != nil {
			return err
		}
		if blob != "" {
			// 在租约内取回刚写入的内容，上传则在释放锁之后进行。
			if err := c.backend.LoadFile(ctx, key, blob); err != nil {
				c.logger.WithFields(logging.KeyFields(op, key)).WithError(err).Warn("mirror_stage_failed")
				blob = ""
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if blob != "" {
		c.pushMirrors(ctx, key, blob)
	}
	return nil
}

// LoadArtifacts 把 key 的产物解包到 directory。未缓存时返回可用 errors.Is(err,
// cache.ErrKeyNotFound) 识别的错误，调用方据此重新构建。
func (c *BuildCache) LoadArtifacts(ctx context.Context, key, directory string) error {
	const op = "load_artifacts"
	fields := logging.KeyFields(op, key)

	err := c.loadArtifacts(ctx, key, directory)
	switch {
	case err == nil:
		c.logger.WithFields(fields).Info("artifacts_loaded")
	case errors.Is(err, cache.ErrKeyNotFound):
		c.logger.WithFields(fields).Info("artifacts_not_cached")
	default:
		c.logger.WithFields(fields).WithError(err).Error("artifacts_load_failed")
	}
	return err
}

func (c *BuildCache) loadArtifacts(ctx context.Context, key, directory string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := c.touch(ctx, key); err != nil {
		return err
	}

	opts := cache.LockOptions{Timeout: c.lockTimeout}
	err := cache.WithLease(ctx, c.backend, key, opts, func() error {
		return cache.LoadDirectory(ctx, c.backend, key, directory)
	})
	if err == nil || !errors.Is(err, cache.ErrKeyNotFound) || len(c.mirrors) == 0 {
		return err
	}

	found, mirrorErr := c.loadFromMirrors(ctx, key, directory)
	if mirrorErr != nil {
		return mirrorErr
	}
	if !found {
		return err
	}
	return nil
}

// Manifest 返回调用时刻的清单快照；之后其他进程可能继续修改清单。
func (c *BuildCache) Manifest(ctx context.Context) (manifest.Snapshot, error) {
	if _, err := c.Policy(ctx); err != nil {
		return manifest.Snapshot{}, err
	}
	var snap manifest.Snapshot
	err := manifest.Open(ctx, c.backend, c.manifestOptions(), func(m *manifest.Manifest) error {
		snap = m.Snapshot()
		return nil
	})
	return snap, err
}

// Unset 删除 key 的产物及其清单条目。
func (c *BuildCache) Unset(ctx context.Context, key string) error {
	fields := logging.KeyFields("unset", key)
	if err := checkKey(key); err != nil {
		return err
	}

	opts := cache.LockOptions{Timeout: c.lockTimeout}
	err := cache.WithLease(ctx, c.backend, key, opts, func() error {
		return c.backend.UnsetKey(ctx, key)
	})
	if err != nil && !errors.Is(err, cache.ErrKeyNotFound) {
		c.logger.WithFields(fields).WithError(err).Error("artifacts_unset_failed")
		return err
	}

	err = manifest.Open(ctx, c.backend, c.manifestOptions(), func(m *manifest.Manifest) error {
		m.Delete(key)
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.WithFields(fields).Info("artifacts_unset")
	return nil
}

// touch 在清单租约内更新 key 的使用时间，并按策略顺带执行 GC。
func (c *BuildCache) touch(ctx context.Context, key string) error {
	policy, err := c.Policy(ctx)
	if err != nil {
		return err
	}
	return manifest.Open(ctx, c.backend, c.manifestOptions(), func(m *manifest.Manifest) error {
		m.Touch(key)
		c.collect(ctx, m, policy, false)
		return nil
	})
}

func (c *BuildCache) manifestOptions() manifest.Options {
	return manifest.Options{
		Timeout: c.lockTimeout,
		Logger:  c.logger,
		Now:     c.now,
	}
}

func checkKey(key string) error {
	if isReserved(key) {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	return nil
}

func isReserved(key string) bool {
	return key == manifest.Key || key == PolicyKey
}
