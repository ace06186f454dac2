package buildcache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/logging"
	"github.com/needy-build/needy-cache/internal/manifest"
)

// GCReport 描述一次 GC 的结果。
type GCReport struct {
	// Ran 为 false 表示距上次 GC 未满 GCFrequency，本次跳过。
	Ran        bool
	LastGCTime time.Time
	Removed    []string
	Failed     []string
}

// CollectGarbage 在独立的清单租约内执行一次 GC。force 为 true 时忽略 GCFrequency。
func (c *BuildCache) CollectGarbage(ctx context.Context, force bool) (GCReport, error) {
	policy, err := c.Policy(ctx)
	if err != nil {
		return GCReport{}, err
	}
	var report GCReport
	err = manifest.Open(ctx, c.backend, c.manifestOptions(), func(m *manifest.Manifest) error {
		report = c.collect(ctx, m, policy, force)
		return nil
	})
	return report, err
}

// collect 删除 use_time 早于 now-ObjectLifetime 的键。调用方持有清单租约；
// 对每个键的 UnsetKey 不会等待，单个键失败只记录日志并跳过。
// 新的 last_gc_time 与删除的条目随清单租约结束一次写回。
func (c *BuildCache) collect(ctx context.Context, m *manifest.Manifest, policy Policy, force bool) GCReport {
	now := m.Now()
	if last, ok := m.LastGCTime(); ok && last > 0 && !force {
		if time.Unix(last, 0).Add(policy.GCFrequency).After(now) {
			return GCReport{LastGCTime: time.Unix(last, 0)}
		}
	}

	minTime := now.Add(-policy.ObjectLifetime).Unix()
	report := GCReport{Ran: true, LastGCTime: now}
	for _, key := range m.Keys() {
		if isReserved(key) {
			continue
		}
		entry, _ := m.Entry(key)
		if entry.UseTime >= minTime {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, key)
			continue
		}
		if err := c.backend.UnsetKey(ctx, key); err != nil {
			c.logger.WithFields(logging.KeyFields("gc", key)).WithError(err).Warn("gc_unset_failed")
			report.Failed = append(report.Failed, key)
			continue
		}
		m.Delete(key)
		report.Removed = append(report.Removed, key)
	}

	m.SetLastGCTime(now)
	if len(report.Removed) > 0 || len(report.Failed) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "gc",
			"removed": len(report.Removed),
			"failed":  len(report.Failed),
		}).Info("gc_complete")
	}
	return report
}
