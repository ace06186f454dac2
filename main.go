package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/needy-build/needy-cache/internal/config"
	"github.com/needy-build/needy-cache/internal/logging"
)

// 退出码约定。
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitNotCached = 3
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	cacheName   string

	command string
	args    []string

	force        bool
	lifetime     time.Duration
	lifetimeSet  bool
	frequency    time.Duration
	frequencySet bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const usageText = `usage: needy-cache [flags] <command> [args]

commands:
  store <dir> <key>    pack <dir> and store it under <key>
  load <key> <dir>     unpack the artifact for <key> into <dir> (exit 3 if not cached)
  manifest             print the manifest as JSON
  unset <key>          remove an artifact and its manifest entry
  gc [--force]         run garbage collection now
  policy               print the shared policy; --lifetime/--frequency rewrite it
  serve                run the mirror HTTP server
`

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprint(stdErr, usageText)
		os.Exit(exitUsage)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return exitOK
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return exitFailure
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return exitFailure
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["caches"] = len(cfg.Caches)
		fields["mirrors"] = config.MirrorSummary(cfg.Mirrors)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return exitOK
	}

	if opts.command == "" {
		fmt.Fprint(stdErr, usageText)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.command == "serve" {
		if err := startMirrorServer(ctx, cfg, logger); err != nil {
			fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	return runCacheCommand(ctx, opts, cfg, logger)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("needy-cache", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts cliOptions
	var configFlag string

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./needy-cache.toml，可被 NEEDY_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.StringVar(&opts.cacheName, "cache", "", "使用的缓存名称（默认第一个 [[Cache]]）")
	fs.BoolVar(&opts.force, "force", false, "gc: 忽略 GCFrequency 立即执行")
	fs.DurationVar(&opts.lifetime, "lifetime", 0, "policy: 新的对象寿命")
	fs.DurationVar(&opts.frequency, "frequency", 0, "policy: 新的 GC 间隔")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	opts.lifetimeSet = fs.Changed("lifetime")
	opts.frequencySet = fs.Changed("frequency")

	if rest := fs.Args(); len(rest) > 0 {
		opts.command = rest[0]
		opts.args = rest[1:]
	}
	if err := checkArity(opts.command, opts.args); err != nil {
		return cliOptions{}, err
	}

	path := os.Getenv("NEEDY_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}
	opts.configPath = path
	return opts, nil
}

var commandArity = map[string]int{
	"store":    2,
	"load":     2,
	"manifest": 0,
	"unset":    1,
	"gc":       0,
	"policy":   0,
	"serve":    0,
}

var errUsage = errors.New("usage error")

func checkArity(command string, args []string) error {
	if command == "" {
		return nil
	}
	want, ok := commandArity[command]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	if len(args) != want {
		return fmt.Errorf("%w: %s expects %d argument(s), got %d", errUsage, command, want, len(args))
	}
	return nil
}
