// Package filelock takes exclusive advisory locks on files that are shared by
// independent processes, typically on a shared disk or network mount. The
// platform specifics (flock on POSIX, LockFileEx on Windows) live behind one
// contract: Lock(ctx, f, wait) where wait is Forever, zero (fail at once) or a
// positive bound.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// ErrLocked 表示锁被其他持有者占用（或在等待时限内未能获得）。
var ErrLocked = errors.New("filelock: lock is held")

// Forever 作为 wait 参数时表示无限期等待。
const Forever time.Duration = -1

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = 200 * time.Millisecond
)

// Open 打开（可选创建）用于加锁的文件。返回的句柄允许本进程在持锁期间
// 继续通过其他句柄读写、删除同一路径。
func Open(path string, create bool) (*os.File, error) {
	return openFile(path, create)
}

var tempSeq atomic.Uint64

// CreateLocked 创建 path 并返回已加锁的句柄。文件先以临时名创建并加锁，
// 再以不覆盖的方式发布到 path，所以其他进程在 path 上看到它时它已经被锁住。
// path 已存在时返回 fs.ErrExist。
func CreateLocked(path string) (*os.File, error) {
	dir, base := filepath.Split(path)

	var (
		f   *os.File
		tmp string
	)
	for attempt := 0; ; attempt++ {
		tmp = filepath.Join(dir, fmt.Sprintf(".%s.%d-%d.lock", base, os.Getpid(), tempSeq.Add(1)))
		var err error
		f, err = openNew(tmp)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || attempt >= 8 {
			return nil, err
		}
	}

	locked, err := tryLock(f)
	if err == nil && !locked {
		err = ErrLocked
	}
	if err == nil {
		err = publish(tmp, path)
	}
	if err != nil {
		if locked {
			unlock(f)
		}
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	return f, nil
}

// Lock 在 f 上获取排他锁。wait < 0 时无限等待，wait == 0 时遇到竞争立即返回
// ErrLocked，wait > 0 时最多等待该时长。ctx 取消同样会结束等待并返回 ctx.Err()。
func Lock(ctx context.Context, f *os.File, wait time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if wait < 0 && ctx.Done() == nil {
		return lockBlocking(f)
	}

	ok, err := tryLock(f)
	if err != nil || ok {
		return err
	}
	if wait == 0 {
		return ErrLocked
	}

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	backoff := minBackoff
	for {
		retry := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			retry.Stop()
			return ctx.Err()
		case <-deadline:
			retry.Stop()
			ok, err := tryLock(f)
			if err != nil || ok {
				return err
			}
			return ErrLocked
		case <-retry.C:
		}

		ok, err := tryLock(f)
		if err != nil || ok {
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Unlock 释放 f 上的锁，不关闭文件。
func Unlock(f *os.File) error {
	return unlock(f)
}
