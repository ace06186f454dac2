// Package manifest keeps the cache-resident record of when each key was last
// used, plus free-form metadata such as the time of the last garbage
// collection. The record is an ordinary cache key (".manifest") and is only
// ever read or written while its lease is held; nothing is cached in memory
// between leases because other processes may change it at any time.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/cache"
	"github.com/needy-build/needy-cache/internal/logging"
)

// Key 是清单在缓存中使用的保留键。
const Key = ".manifest"

// LastGCTimeField 是元数据中记录上次 GC 时间（Unix 秒）的字段。
const LastGCTimeField = "last_gc_time"

// Entry 记录一个键的最近使用时间，UseTime 为 0 表示从未被 touch。
type Entry struct {
	UseTime int64 `json:"use_time,omitempty"`
}

// Options 控制清单租约的获取方式。
type Options struct {
	Timeout cache.Timeout
	Logger  *logrus.Logger
	Now     func() time.Time
}

// Manifest 是一次租约内可修改的清单。只能在 Open 的回调中使用。
type Manifest struct {
	metadata map[string]any
	entries  map[string]Entry
	now      func() time.Time
}

type document struct {
	Metadata map[string]any   `json:"metadata,omitempty"`
	Keys     map[string]Entry `json:"keys"`
}

// Open 持有 .manifest 的租约，解码后交给 fn 修改；fn 成功返回后重新编码并写回。
// fn 返回错误时不写回。编码或写回失败会记录 error 日志并返回。
func Open(ctx context.Context, b cache.Backend, opts Options, fn func(*Manifest) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	lockOpts := cache.LockOptions{Timeout: opts.Timeout, Create: true}
	err := cache.WithLeaseFile(ctx, b, Key, lockOpts, func(path string) error {
		m, err := load(path)
		if err != nil {
			return err
		}
		m.now = now

		if err := fn(m); err != nil {
			return err
		}

		if err := m.save(path); err != nil {
			logger.WithFields(logging.KeyFields("manifest_store", Key)).
				WithError(err).Error("manifest_store_failed")
			return err
		}
		return nil
	})
	if err != nil && cache.KindOf(err) == cache.KindIO {
		logger.WithFields(logging.KeyFields("manifest_open", Key)).
			WithError(err).Warn("manifest_unavailable")
	}
	return err
}

func load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := &Manifest{
		metadata: make(map[string]any),
		entries:  make(map[string]Entry),
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}

	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for k, v := range doc.Metadata {
		m.metadata[k] = v
	}
	for k, v := range doc.Keys {
		m.entries[k] = v
	}
	return m, nil
}

func (m *Manifest) save(path string) error {
	doc := document{Keys: m.entries}
	if len(m.metadata) > 0 {
		doc.Metadata = m.metadata
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Touch 将 key 的使用时间设为当前时间，key 不存在时新建条目。
func (m *Manifest) Touch(key string) {
	m.entries[key] = Entry{UseTime: m.now().Unix()}
}

// Delete 只删除清单中的记录，不会删除缓存中的产物。
func (m *Manifest) Delete(key string) {
	delete(m.entries, key)
}

func (m *Manifest) Entry(key string) (Entry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

func (m *Manifest) Contains(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Keys 返回按字典序排列的全部键。
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metadata 返回可直接修改的元数据表。
func (m *Manifest) Metadata() map[string]any {
	return m.metadata
}

// LastGCTime 返回上次 GC 的 Unix 秒；从未执行过时 ok 为 false。
func (m *Manifest) LastGCTime() (int64, bool) {
	v, ok := m.metadata[LastGCTimeField]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

func (m *Manifest) SetLastGCTime(t time.Time) {
	m.metadata[LastGCTimeField] = t.Unix()
}

// Now 返回清单使用的时钟读数。
func (m *Manifest) Now() time.Time {
	return m.now()
}

// Snapshot 是清单在某一时刻的只读副本，租约结束后仍可使用。
type Snapshot struct {
	Metadata map[string]any   `json:"metadata,omitempty"`
	Keys     map[string]Entry `json:"keys"`
}

func (m *Manifest) Snapshot() Snapshot {
	s := Snapshot{
		Metadata: make(map[string]any, len(m.metadata)),
		Keys:     make(map[string]Entry, len(m.entries)),
	}
	for k, v := range m.metadata {
		s.Metadata[k] = v
	}
	for k, v := range m.entries {
		s.Keys[k] = v
	}
	return s
}

// LastGCTime 同 Manifest.LastGCTime。
func (s Snapshot) LastGCTime() (int64, bool) {
	v, ok := s.Metadata[LastGCTimeField]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
