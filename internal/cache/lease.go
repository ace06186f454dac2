package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// WithLease 在持有 key 锁期间执行 fn。无论 fn 正常返回、返回错误还是 panic，
// 锁都会被释放；释放失败的错误与 fn 的错误合并返回。
func WithLease(ctx context.Context, b Backend, key string, opts LockOptions, fn func() error) (err error) {
	if err := b.LockKey(ctx, key, opts); err != nil {
		return err
	}
	defer func() {
		if unlockErr := b.UnlockKey(key); unlockErr != nil {
			err = errors.Join(err, unlockErr)
		}
	}()
	return fn()
}

// WithLeaseFile 持有 key 的锁，把内容加载到私有临时文件并把路径交给 fn。
// fn 成功返回后：临时文件仍存在则写回 key；被 fn 删除则删除 key 本身。
// fn 返回错误时不写回任何内容。尚无内容的键从空文件开始。
func WithLeaseFile(ctx context.Context, b Backend, key string, opts LockOptions, fn func(path string) error) error {
	const op = "lease_file"
	return WithLease(ctx, b, key, opts, func() error {
		dir, err := os.MkdirTemp("", "needy-lease-*")
		if err != nil {
			return ioFailure(op, key, "", err)
		}
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "f")
		if err := b.LoadFile(ctx, key, path); err != nil {
			if !errors.Is(err, ErrKeyNotFound) {
				return err
			}
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return ioFailure(op, key, path, err)
			}
		}

		if err := fn(path); err != nil {
			return err
		}

		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return b.UnsetKey(ctx, key)
			}
			return ioFailure(op, key, path, err)
		}
		return b.StoreFile(ctx, path, key)
	})
}

// StoreDirectory 把目录打包后存入 key。调用方需已持有 key 的锁。
// 后端实现了 DirectoryBackend 时直接委托给它。
func StoreDirectory(ctx context.Context, b Backend, source, key string) error {
	if db, ok := b.(DirectoryBackend); ok {
		return db.StoreDirectory(ctx, source, key)
	}

	const op = "store_directory"
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sourceNotFound(op, key, source)
		}
		return ioFailure(op, key, source, err)
	}
	if !info.IsDir() {
		return ioFailure(op, key, source, errors.New("source is not a directory"))
	}

	dir, err := os.MkdirTemp("", "needy-pack-*")
	if err != nil {
		return ioFailure(op, key, "", err)
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "artifact.tar.gz")
	if err := packToFile(source, archive); err != nil {
		return ioFailure(op, key, source, err)
	}
	return b.StoreFile(ctx, archive, key)
}

// LoadDirectory 取出 key 对应的归档并解包到 destination。调用方需已持有 key 的锁。
func LoadDirectory(ctx context.Context, b Backend, key, destination string) error {
	if db, ok := b.(DirectoryBackend); ok {
		return db.LoadDirectory(ctx, key, destination)
	}

	const op = "load_directory"
	dir, err := os.MkdirTemp("", "needy-unpack-*")
	if err != nil {
		return ioFailure(op, key, "", err)
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "artifact.tar.gz")
	if err := b.LoadFile(ctx, key, archive); err != nil {
		return err
	}
	if err := UnpackArchiveFile(archive, destination); err != nil {
		return ioFailure(op, key, destination, err)
	}
	return nil
}

// UnpackArchiveFile 是 UnpackArchive 的文件版本。
func UnpackArchiveFile(archive, destination string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	return UnpackArchive(f, destination)
}

func packToFile(source, archive string) error {
	f, err := os.Create(archive)
	if err != nil {
		return err
	}
	if err := PackDirectory(source, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
