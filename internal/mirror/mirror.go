// Package mirror defines the best-effort secondary stores that sit next to
// the authoritative cache. Mirrors take no locks: Set overwrites
// unconditionally and Get reports whether the object was found instead of
// failing, which tolerates eventually consistent remotes.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Mirror 是无锁的二级存储能力集，只适合做镜像，不能替代主缓存。
type Mirror interface {
	Name() string
	Set(ctx context.Context, key, source string) error
	Get(ctx context.Context, key, destination string) (bool, error)
}

// ObjectName 返回 key 在镜像中的对象名：key 的 sha256 十六进制串。
func ObjectName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidObjectName 判断 name 是否形如 ObjectName 的输出（64 位小写十六进制）。
func ValidObjectName(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// WriteFile 把 r 的内容经由同目录临时文件写入 destination，完成后原子替换。
// 失败时不会留下半截文件。
func WriteFile(ctx context.Context, r io.Reader, destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".mirror-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if err = errors.Join(err, closeErr); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, destination); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
