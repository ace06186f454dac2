package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/buildcache"
	"github.com/needy-build/needy-cache/internal/cache"
	"github.com/needy-build/needy-cache/internal/config"
	"github.com/needy-build/needy-cache/internal/logging"
)

// runCacheCommand 打开配置的缓存位置并执行 store/load/manifest 等维护命令。
func runCacheCommand(ctx context.Context, opts cliOptions, cfg *config.Config, logger *logrus.Logger) int {
	cacheCfg, err := cfg.Cache(opts.cacheName)
	if err != nil {
		fmt.Fprintf(stdErr, "选择缓存失败: %v\n", err)
		return exitFailure
	}

	backend, err := cache.NewDirectory(cacheCfg.Path)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return exitFailure
	}
	defer backend.Close()

	mirrors, closeMirrors, err := buildMirrors(ctx, cfg.Mirrors, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化镜像失败: %v\n", err)
		return exitFailure
	}
	defer closeMirrors()

	bc := buildcache.New(backend,
		buildcache.WithLockTimeout(lockTimeout(cfg.Global.LockTimeout.DurationValue())),
		buildcache.WithDefaultPolicy(buildcache.Policy{
			ObjectLifetime: cfg.Global.ObjectLifetime.DurationValue(),
			GCFrequency:    cfg.Global.GCFrequency.DurationValue(),
		}),
		buildcache.WithLogger(logger),
		buildcache.WithMirrors(mirrors...),
	)

	fields := logging.BaseFields(opts.command, opts.configPath)
	fields["cache"] = cacheCfg.Name
	fields["root"] = backend.Root()
	logger.WithFields(fields).Debug("cache_opened")

	switch opts.command {
	case "store":
		return exitCode(bc.StoreArtifacts(ctx, opts.args[0], opts.args[1]))
	case "load":
		return exitCode(bc.LoadArtifacts(ctx, opts.args[0], opts.args[1]))
	case "unset":
		return exitCode(bc.Unset(ctx, opts.args[0]))
	case "manifest":
		snap, err := bc.Manifest(ctx)
		if err != nil {
			return exitCode(err)
		}
		return printJSON(snap)
	case "gc":
		report, err := bc.CollectGarbage(ctx, opts.force)
		if err != nil {
			return exitCode(err)
		}
		return printJSON(gcOutput{
			Ran:        report.Ran,
			LastGCTime: report.LastGCTime.Unix(),
			Removed:    report.Removed,
			Failed:     report.Failed,
		})
	case "policy":
		return runPolicy(ctx, bc, opts)
	default:
		fmt.Fprintf(stdErr, "unknown command %q\n", opts.command)
		return exitUsage
	}
}

type gcOutput struct {
	Ran        bool     `json:"ran"`
	LastGCTime int64    `json:"last_gc_time"`
	Removed    []string `json:"removed"`
	Failed     []string `json:"failed,omitempty"`
}

type policyOutput struct {
	ObjectLifetime int64 `json:"object_lifetime"`
	GCFrequency    int64 `json:"gc_frequency"`
}

func runPolicy(ctx context.Context, bc *buildcache.BuildCache, opts cliOptions) int {
	policy, err := bc.Policy(ctx)
	if err != nil {
		return exitCode(err)
	}
	if opts.lifetimeSet || opts.frequencySet {
		if opts.lifetimeSet {
			policy.ObjectLifetime = opts.lifetime
		}
		if opts.frequencySet {
			policy.GCFrequency = opts.frequency
		}
		if err := bc.UpdatePolicy(ctx, policy); err != nil {
			return exitCode(err)
		}
	}
	return printJSON(policyOutput{
		ObjectLifetime: int64(policy.ObjectLifetime / time.Second),
		GCFrequency:    int64(policy.GCFrequency / time.Second),
	})
}

// exitCode 把缓存错误映射为退出码：未缓存返回 3，其余失败返回 1。
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, cache.ErrKeyNotFound):
		fmt.Fprintf(stdErr, "未缓存: %v\n", err)
		return exitNotCached
	default:
		fmt.Fprintf(stdErr, "缓存操作失败: %v\n", err)
		return exitFailure
	}
}

func printJSON(v any) int {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stdErr, "输出失败: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// lockTimeout 把配置中的时长转换为加锁超时：负数无限等待，0 立即失败。
func lockTimeout(d time.Duration) cache.Timeout {
	switch {
	case d < 0:
		return cache.WaitForever
	case d == 0:
		return cache.NoWait
	default:
		return cache.Within(d)
	}
}
