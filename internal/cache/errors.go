package cache

import (
	"errors"
	"fmt"
)

// Kind 区分缓存错误的类别，调用方据此判断“尚未缓存”与真正的故障。
type Kind uint8

const (
	// KindIO 表示文件系统或网络故障，不属于预期的缓存状态。
	KindIO Kind = iota
	// KindKeyLocked 表示键被其他持有者锁定或等待超时。
	KindKeyLocked
	// KindSourceNotFound 表示写入时源路径不存在。
	KindSourceNotFound
	// KindKeyNotFound 表示键没有已存储的内容（或调用方并未持有该键的锁）。
	KindKeyNotFound
)

func (k Kind) String() string {
	switch k {
	case KindKeyLocked:
		return "key_locked"
	case KindSourceNotFound:
		return "source_not_found"
	case KindKeyNotFound:
		return "key_not_found"
	default:
		return "io"
	}
}

var (
	// ErrCache 匹配所有非 I/O 类的缓存错误。
	ErrCache = errors.New("cache error")
	// ErrKeyLocked 匹配 KindKeyLocked。
	ErrKeyLocked = errors.New("key locked")
	// ErrSourceNotFound 匹配 KindSourceNotFound。
	ErrSourceNotFound = errors.New("source not found")
	// ErrKeyNotFound 匹配 KindKeyNotFound。
	ErrKeyNotFound = errors.New("key not found")
)

// Error 描述一次失败的缓存操作。errors.Is 可以用上面的哨兵值匹配其类别，
// 同时 Unwrap 保留底层原因。
type Error struct {
	Op   string
	Key  string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + fmt.Sprintf("%q", e.Key)
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	msg += ": " + e.kindText()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) kindText() string {
	switch e.Kind {
	case KindKeyLocked:
		return ErrKeyLocked.Error()
	case KindSourceNotFound:
		return ErrSourceNotFound.Error()
	case KindKeyNotFound:
		return ErrKeyNotFound.Error()
	default:
		return "i/o failure"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrKeyNotFound) 等判断直接作用于 Kind。
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCache:
		return e.Kind != KindIO
	case ErrKeyLocked:
		return e.Kind == KindKeyLocked
	case ErrSourceNotFound:
		return e.Kind == KindSourceNotFound
	case ErrKeyNotFound:
		return e.Kind == KindKeyNotFound
	}
	return false
}

// KindOf 返回错误链中第一个 *Error 的类别；非缓存错误视为 KindIO。
func KindOf(err error) Kind {
	var cacheErr *Error
	if errors.As(err, &cacheErr) {
		return cacheErr.Kind
	}
	return KindIO
}

func keyLocked(op, key string, cause error) error {
	return &Error{Op: op, Key: key, Kind: KindKeyLocked, Err: cause}
}

func keyNotFound(op, key string) error {
	return &Error{Op: op, Key: key, Kind: KindKeyNotFound}
}

func sourceNotFound(op, key, path string) error {
	return &Error{Op: op, Key: key, Path: path, Kind: KindSourceNotFound}
}

func ioFailure(op, key, path string, cause error) error {
	return &Error{Op: op, Key: key, Path: path, Kind: KindIO, Err: cause}
}
