package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/needy-build/needy-cache/internal/filelock"
)

var errInvalidKey = errors.New("invalid cache key")

// Directory 以共享目录树实现 Backend：每个键对应 root/<key> 下的一个文件，
// 该文件同时充当自己的锁文件。held 记录本实例当前持有的锁句柄，
// 用来区分“我持有该键”与“被其他持有者占用”。
//
// LockKey(Create) 为不存在的键新建的空文件是占位，只对创建它的持有者表现为
// “未存储”；解锁前没有 StoreFile 时，UnlockKey 在仍持锁时删除它。磁盘上其余的
// 零字节文件都是已存储的空产物。
type Directory struct {
	root string

	mu   sync.Mutex
	held map[string]*heldKey
}

type heldKey struct {
	f *os.File
	// placeholder 为 true 表示文件由本次加锁创建，且尚未写入任何内容。
	placeholder bool
}

// NewDirectory 以 root 为缓存根目录构建后端。根目录在第一次以 Create 加锁时创建。
func NewDirectory(root string) (*Directory, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	return &Directory{
		root: abs,
		held: make(map[string]*heldKey),
	}, nil
}

// Root 返回缓存根目录的绝对路径。
func (d *Directory) Root() string {
	return d.root
}

func (d *Directory) String() string {
	return d.root
}

func (d *Directory) StoreFile(ctx context.Context, source, key string) error {
	const op = "store_file"
	path, err := d.path(op, key)
	if err != nil {
		return err
	}

	src, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sourceNotFound(op, key, source)
		}
		return ioFailure(op, key, source, err)
	}
	defer src.Close()
	if info, err := src.Stat(); err != nil {
		return ioFailure(op, key, source, err)
	} else if info.IsDir() {
		return ioFailure(op, key, source, errors.New("source is a directory"))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ioFailure(op, key, path, err)
	}

	// 原地覆盖而不是临时文件 + rename：文件本身就是锁，换掉 inode 会让其他
	// 等锁的进程锁在一个已经脱离路径的文件上。
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ioFailure(op, key, path, err)
	}
	_, copyErr := copyWithContext(ctx, dst, src)
	syncErr := dst.Sync()
	closeErr := dst.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		return ioFailure(op, key, path, err)
	}
	d.markStored(path)
	return nil
}

func (d *Directory) LoadFile(ctx context.Context, key, destination string) error {
	const op = "load_file"
	path, err := d.path(op, key)
	if err != nil {
		return err
	}

	if d.isPlaceholder(path) {
		return keyNotFound(op, key)
	}

	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return keyNotFound(op, key)
		}
		return ioFailure(op, key, path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return ioFailure(op, key, path, err)
	}
	if info.IsDir() {
		return keyNotFound(op, key)
	}

	destDir := filepath.Dir(destination)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ioFailure(op, key, destination, err)
	}
	tempFile, err := os.CreateTemp(destDir, ".needy-load-*")
	if err != nil {
		return ioFailure(op, key, destination, err)
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, src)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return ioFailure(op, key, destination, err)
	}
	if err := os.Rename(tempName, destination); err != nil {
		os.Remove(tempName)
		return ioFailure(op, key, destination, err)
	}
	return nil
}

func (d *Directory) Exists(ctx context.Context, key string) (bool, error) {
	const op = "exists"
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := d.path(op, key)
	if err != nil {
		return false, err
	}
	if d.isPlaceholder(path) {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioFailure(op, key, path, err)
	}
	return !info.IsDir(), nil
}

func (d *Directory) LockKey(ctx context.Context, key string, opts LockOptions) error {
	const op = "lock_key"
	path, err := d.path(op, key)
	if err != nil {
		return err
	}

	for {
		var f *os.File
		created := false

		if opts.Create {
			// MkdirAll 对并发创建同一目录是幂等的。
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return ioFailure(op, key, path, err)
			}
			f, err = filelock.CreateLocked(path)
			switch {
			case err == nil:
				created = true
			case errors.Is(err, fs.ErrExist):
				f = nil
			case errors.Is(err, fs.ErrNotExist):
				// 父目录在 MkdirAll 之后被其他进程删掉了，重来。
				continue
			default:
				return ioFailure(op, key, path, err)
			}
		}

		if f == nil {
			f, err = filelock.Open(path, false)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					if opts.Create {
						continue
					}
					return keyNotFound(op, key)
				}
				return ioFailure(op, key, path, err)
			}

			if err := filelock.Lock(ctx, f, opts.Timeout.Duration()); err != nil {
				f.Close()
				if errors.Is(err, filelock.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
					return keyLocked(op, key, err)
				}
				return ioFailure(op, key, path, err)
			}

			// 等锁期间文件可能已被 unset（或被替换），此时手里的锁不再代表这个键。
			same, err := sameFile(f, path)
			if err != nil {
				filelock.Unlock(f)
				f.Close()
				return ioFailure(op, key, path, err)
			}
			if !same {
				filelock.Unlock(f)
				f.Close()
				continue
			}
		}

		d.mu.Lock()
		if _, dup := d.held[path]; dup {
			d.mu.Unlock()
			filelock.Unlock(f)
			f.Close()
			return keyLocked(op, key, nil)
		}
		d.held[path] = &heldKey{f: f, placeholder: created}
		d.mu.Unlock()
		return nil
	}
}

func (d *Directory) UnlockKey(key string) error {
	const op = "unlock_key"
	path, err := d.path(op, key)
	if err != nil {
		return err
	}

	d.mu.Lock()
	h, ok := d.held[path]
	if ok {
		delete(d.held, path)
	}
	d.mu.Unlock()
	if !ok {
		return keyNotFound(op, key)
	}

	if err := release(path, h); err != nil {
		return ioFailure(op, key, path, err)
	}
	return nil
}

// release 删除未写入的占位（仍持锁时），然后解锁并关闭句柄。
func release(path string, h *heldKey) error {
	var removeErr error
	if h.placeholder {
		if same, err := sameFile(h.f, path); err != nil {
			removeErr = err
		} else if same {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				removeErr = err
			}
		}
	}
	unlockErr := filelock.Unlock(h.f)
	closeErr := h.f.Close()
	return errors.Join(removeErr, unlockErr, closeErr)
}

func (d *Directory) UnsetKey(ctx context.Context, key string) error {
	const op = "unset_key"
	path, err := d.path(op, key)
	if err != nil {
		return err
	}

	if d.holds(path) {
		// 持有者删除文件后仍保留句柄，直到 UnlockKey。
		if err := removeArtifact(op, key, path); err != nil {
			return err
		}
		d.markStored(path)
		return nil
	}

	if err := d.LockKey(ctx, key, LockOptions{Timeout: NoWait}); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return err
	}
	removeErr := removeArtifact(op, key, path)
	unlockErr := d.UnlockKey(key)
	if removeErr != nil {
		return removeErr
	}
	return unlockErr
}

// Close 释放本实例仍持有的全部锁。
func (d *Directory) Close() error {
	d.mu.Lock()
	held := d.held
	d.held = make(map[string]*heldKey)
	d.mu.Unlock()

	var errs []error
	for path, h := range held {
		errs = append(errs, release(path, h))
	}
	return errors.Join(errs...)
}

func (d *Directory) holds(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.held[path]
	return ok
}

func (d *Directory) isPlaceholder(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.held[path]
	return ok && h.placeholder
}

// markStored 清除占位标记：键已写入内容，或已被持有者删除。
func (d *Directory) markStored(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.held[path]; ok {
		h.placeholder = false
	}
}

// path 把键映射到 root 之下的文件路径，拒绝空键以及越出 root 的键。
func (d *Directory) path(op, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", &Error{Op: op, Key: key, Kind: KindIO, Err: errInvalidKey}
	}
	rel := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" || rel == "." ||
		rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Op: op, Key: key, Kind: KindIO, Err: errInvalidKey}
	}
	return filepath.Join(d.root, rel), nil
}

func removeArtifact(op, key, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioFailure(op, key, path, err)
	}
	return nil
}

func sameFile(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	current, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return os.SameFile(held, current), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

var _ Backend = (*Directory)(nil)
