package buildcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/needy-build/needy-cache/internal/cache"
	"github.com/needy-build/needy-cache/internal/logging"
)

// mirrorUploadLimit 限制同时进行的镜像上传数。
const mirrorUploadLimit = 4

// pushMirrors 把 blob 上传到全部镜像。镜像失败只记录 warn，不影响存储结果。
func (c *BuildCache) pushMirrors(ctx context.Context, key, blob string) {
	var g errgroup.Group
	g.SetLimit(mirrorUploadLimit)
	for _, m := range c.mirrors {
		g.Go(func() error {
			fields := logging.MirrorFields("mirror_set", key, m.Name())
			if err := m.Set(ctx, key, blob); err != nil {
				c.logger.WithFields(fields).WithError(err).Warn("mirror_set_failed")
				return err
			}
			c.logger.WithFields(fields).Debug("mirror_set")
			return nil
		})
	}
	_ = g.Wait()
}

// loadFromMirrors 依次询问镜像；命中后写回主缓存再解包，使后续读取不必回源。
func (c *BuildCache) loadFromMirrors(ctx context.Context, key, directory string) (bool, error) {
	tmp, err := os.MkdirTemp("", "needy-mirror-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(tmp)
	blob := filepath.Join(tmp, "blob")

	for _, m := range c.mirrors {
		fields := logging.MirrorFields("mirror_get", key, m.Name())
		found, err := m.Get(ctx, key, blob)
		if err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("mirror_get_failed")
			continue
		}
		if !found {
			continue
		}
		if info, err := os.Stat(blob); err != nil || info.Size() == 0 {
			c.logger.WithFields(fields).Warn("mirror_get_empty")
			continue
		}

		opts := cache.LockOptions{Timeout: c.lockTimeout, Create: true}
		err = cache.WithLease(ctx, c.backend, key, opts, func() error {
			if err := c.backend.StoreFile(ctx, blob, key); err != nil {
				return err
			}
			if err := cache.LoadDirectory(ctx, c.backend, key, directory); err != nil {
				return errors.Join(err, c.backend.UnsetKey(ctx, key))
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, cache.ErrKeyLocked) {
				return false, err
			}
			// 镜像内容无法解包时视为未命中，继续下一个镜像。
			c.logger.WithFields(fields).WithError(err).Warn("mirror_restore_failed")
			continue
		}
		c.logger.WithFields(fields).Info("mirror_hit")
		return true, nil
	}
	return false, nil
}
