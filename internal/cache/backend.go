package cache

import (
	"context"
	"time"
)

// Backend 是所有权威缓存后端需要提供的最小能力集。键是不透明字符串，
// 每个键对应一个 blob（归档后的目录或原始文件）。
//
// StoreFile/LoadFile/UnsetKey 的调用方应当已经通过 LockKey（或 WithLease）
// 持有该键的锁；后端本身不会为单次读写再加锁。
type Backend interface {
	// StoreFile 把 source 的内容写到 key 对应的位置。source 不存在时返回
	// KindSourceNotFound。
	StoreFile(ctx context.Context, source, key string) error

	// LoadFile 把 key 的内容复制到 destination。没有已存储内容时返回
	// KindKeyNotFound。
	LoadFile(ctx context.Context, key, destination string) error

	// Exists 探测 key 是否有已存储内容，不获取也不释放锁。
	Exists(ctx context.Context, key string) (bool, error)

	// LockKey 获取 key 的排他锁，语义见 LockOptions。
	LockKey(ctx context.Context, key string, opts LockOptions) error

	// UnlockKey 释放调用方此前获取的锁；未持有时返回 KindKeyNotFound。
	UnlockKey(key string) error

	// UnsetKey 删除 key 的内容；不存在时为空操作，被其他持有者锁定时返回
	// KindKeyLocked。
	UnsetKey(ctx context.Context, key string) error
}

// DirectoryBackend 可选：后端若有更高效的目录存取方式，可以覆盖默认的
// tar+gzip 打包实现。
type DirectoryBackend interface {
	StoreDirectory(ctx context.Context, source, key string) error
	LoadDirectory(ctx context.Context, key, destination string) error
}

// Timeout 描述获取锁时的等待策略。
type Timeout time.Duration

const (
	// NoWait 遇到竞争立即失败。
	NoWait Timeout = 0
	// WaitForever 无限期等待（仍受 ctx 约束）。
	WaitForever Timeout = -1
)

// Within 返回最多等待 d 的 Timeout；d <= 0 等价于 NoWait。
func Within(d time.Duration) Timeout {
	if d <= 0 {
		return NoWait
	}
	return Timeout(d)
}

// Duration 返回底层等待时长，WaitForever 为负值。
func (t Timeout) Duration() time.Duration {
	return time.Duration(t)
}

func (t Timeout) String() string {
	switch {
	case t < 0:
		return "forever"
	case t == 0:
		return "no-wait"
	default:
		return time.Duration(t).String()
	}
}

// LockOptions 控制 LockKey 的行为。
type LockOptions struct {
	// Timeout 是竞争时的等待策略，零值为 NoWait。
	Timeout Timeout
	// Create 为 true 时若 key 没有底层存储则先创建空占位（含父目录），
	// 占位在写入内容前不算已存储，解锁时若仍未写入则被删除；
	// 为 false 时直接返回 KindKeyNotFound。
	Create bool
}
