package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/needy-build/needy-cache/internal/config"
	"github.com/needy-build/needy-cache/internal/version"
)

// InitLogger 根据全局配置创建 JSON 结构化日志。未配置文件时写 stderr，
// stdout 留给 CLI 命令的输出。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := openOutput(cfg)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(newProcessHook())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).WithError(outErr).Warn("log_file_unavailable")
	}
	return logger, nil
}

// openOutput 打开日志文件（lumberjack 轮转）；目录不可用时退回 stderr 并返回原因。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stderr, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// processHook 给每条日志附加 pid 与版本，便于区分共享日志文件的多个进程。
type processHook struct {
	pid     int
	version string
}

func newProcessHook() *processHook {
	return &processHook{pid: os.Getpid(), version: version.Version}
}

func (h *processHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *processHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["pid"]; !ok {
		entry.Data["pid"] = h.pid
	}
	if _, ok := entry.Data["version"]; !ok {
		entry.Data["version"] = h.version
	}
	return nil
}
