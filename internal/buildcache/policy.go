package buildcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/cache"
	"github.com/needy-build/needy-cache/internal/logging"
)

// PolicyKey 是 GC 策略在缓存中使用的保留键。
const PolicyKey = ".policy"

const (
	policyLifetimeField  = "object_lifetime"
	policyFrequencyField = "gc_frequency"
)

// Policy 是所有协作进程共享的 GC 策略。持久化为整数秒。
type Policy struct {
	ObjectLifetime time.Duration
	GCFrequency    time.Duration
}

// DefaultPolicy 返回 14 天寿命、每 24 小时最多一次 GC 的默认策略。
func DefaultPolicy() Policy {
	return Policy{
		ObjectLifetime: DefaultObjectLifetime,
		GCFrequency:    DefaultGCFrequency,
	}
}

// Policy 返回当前生效的策略，首次调用时从缓存加载（或写入本实例的默认值）。
func (c *BuildCache) Policy(ctx context.Context) (Policy, error) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	if c.policyLoaded {
		return c.policy, nil
	}

	var adopted Policy
	err := c.leasePolicy(ctx, func(doc map[string]any) (bool, error) {
		changed := false
		if _, ok := doc[policyLifetimeField]; !ok {
			doc[policyLifetimeField] = seconds(c.defaults.ObjectLifetime)
			changed = true
		}
		if _, ok := doc[policyFrequencyField]; !ok {
			doc[policyFrequencyField] = seconds(c.defaults.GCFrequency)
			changed = true
		}
		p, err := decodePolicy(doc)
		if err != nil {
			return false, err
		}
		adopted = p
		return changed, nil
	})
	if err != nil {
		c.logger.WithFields(logging.KeyFields("policy_load", PolicyKey)).
			WithError(err).Warn("policy_unavailable")
		return Policy{}, err
	}

	if adopted != c.defaults {
		c.logger.WithFields(logging.KeyFields("policy_load", PolicyKey)).WithFields(policyFields(adopted)).
			Debug("policy_adopted")
	}
	c.policy = adopted
	c.policyLoaded = true
	return adopted, nil
}

// UpdatePolicy 覆盖已持久化的策略。其他进程在下一次加载策略时生效。
func (c *BuildCache) UpdatePolicy(ctx context.Context, p Policy) error {
	if p.ObjectLifetime < 0 || p.GCFrequency < 0 {
		return fmt.Errorf("policy durations must not be negative: %+v", p)
	}

	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	err := c.leasePolicy(ctx, func(doc map[string]any) (bool, error) {
		doc[policyLifetimeField] = seconds(p.ObjectLifetime)
		doc[policyFrequencyField] = seconds(p.GCFrequency)
		return true, nil
	})
	if err != nil {
		c.logger.WithFields(logging.KeyFields("policy_update", PolicyKey)).
			WithError(err).Error("policy_update_failed")
		return err
	}

	c.policy = Policy{
		ObjectLifetime: p.ObjectLifetime.Truncate(time.Second),
		GCFrequency:    p.GCFrequency.Truncate(time.Second),
	}
	c.policyLoaded = true
	c.logger.WithFields(logging.KeyFields("policy_update", PolicyKey)).WithFields(policyFields(c.policy)).
		Info("policy_updated")
	return nil
}

// leasePolicy 持有 .policy 的租约，把文档交给 fn；fn 返回 true 时写回。
func (c *BuildCache) leasePolicy(ctx context.Context, fn func(doc map[string]any) (bool, error)) error {
	opts := cache.LockOptions{Timeout: c.lockTimeout, Create: true}
	return cache.WithLeaseFile(ctx, c.backend, PolicyKey, opts, func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy: %w", err)
		}
		doc := make(map[string]any)
		if len(bytes.TrimSpace(data)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			if err := dec.Decode(&doc); err != nil {
				return fmt.Errorf("decode policy: %w", err)
			}
		}

		changed, err := fn(doc)
		if err != nil || !changed {
			return err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode policy: %w", err)
		}
		return os.WriteFile(path, out, 0o644)
	})
}

func decodePolicy(doc map[string]any) (Policy, error) {
	lifetime, err := durationField(doc, policyLifetimeField)
	if err != nil {
		return Policy{}, err
	}
	frequency, err := durationField(doc, policyFrequencyField)
	if err != nil {
		return Policy{}, err
	}
	return Policy{ObjectLifetime: lifetime, GCFrequency: frequency}, nil
}

func durationField(doc map[string]any, field string) (time.Duration, error) {
	var secs float64
	switch v := doc[field].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("policy %s: %w", field, err)
		}
		secs = f
	case int64:
		secs = float64(v)
	case float64:
		secs = v
	default:
		return 0, fmt.Errorf("policy %s: unexpected value %v", field, v)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("policy %s: invalid value %v", field, secs)
	}
	// 超出 time.Duration 表示范围（约 292 年）的值按“永不过期”处理。
	if secs > maxPolicySeconds {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

const maxPolicySeconds = float64(math.MaxInt64 / int64(time.Second))

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func policyFields(p Policy) logrus.Fields {
	return logrus.Fields{
		policyLifetimeField:  seconds(p.ObjectLifetime),
		policyFrequencyField: seconds(p.GCFrequency),
	}
}
