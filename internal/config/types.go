package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有缓存位置共享同一份参数。
type GlobalConfig struct {
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// LockTimeout 为负数时无限等待，为 0 时遇到竞争立即失败。
	LockTimeout    Duration `mapstructure:"LockTimeout"`
	ObjectLifetime Duration `mapstructure:"ObjectLifetime"`
	GCFrequency    Duration `mapstructure:"GCFrequency"`

	ListenPort        int      `mapstructure:"ListenPort"`
	MirrorStoragePath string   `mapstructure:"MirrorStoragePath"`
	MirrorLifetime    Duration `mapstructure:"MirrorLifetime"`
}

// CacheConfig 描述一个共享缓存位置（目录后端的根目录）。
type CacheConfig struct {
	Name string `mapstructure:"Name"`
	Path string `mapstructure:"Path"`
}

// 镜像类型。
const (
	MirrorTypeHTTP      = "http"
	MirrorTypeGCS       = "gcs"
	MirrorTypeDirectory = "directory"
)

// MirrorConfig 描述一个尽力而为的二级镜像。
type MirrorConfig struct {
	Name            string   `mapstructure:"Name"`
	Type            string   `mapstructure:"Type"`
	URL             string   `mapstructure:"URL"`
	Timeout         Duration `mapstructure:"Timeout"`
	Bucket          string   `mapstructure:"Bucket"`
	Prefix          string   `mapstructure:"Prefix"`
	CredentialsFile string   `mapstructure:"CredentialsFile"`
	Path            string   `mapstructure:"Path"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Caches  []CacheConfig  `mapstructure:"Cache"`
	Mirrors []MirrorConfig `mapstructure:"Mirror"`
}

// Cache 按名称查找缓存位置；name 为空时返回第一个。
func (c *Config) Cache(name string) (CacheConfig, error) {
	if len(c.Caches) == 0 {
		return CacheConfig{}, fmt.Errorf("no cache configured")
	}
	if name == "" {
		return c.Caches[0], nil
	}
	for _, cache := range c.Caches {
		if cache.Name == name {
			return cache, nil
		}
	}
	return CacheConfig{}, fmt.Errorf("cache %q not configured", name)
}

// Description 返回镜像的可读位置描述，供日志使用。
func (m MirrorConfig) Description() string {
	switch m.Type {
	case MirrorTypeHTTP:
		return m.URL
	case MirrorTypeGCS:
		if m.Prefix == "" {
			return "gs://" + m.Bucket
		}
		return "gs://" + m.Bucket + "/" + strings.Trim(m.Prefix, "/")
	default:
		return m.Path
	}
}

// MirrorSummary 返回所有镜像的类型摘要，例如 ci:http。
func MirrorSummary(mirrors []MirrorConfig) []string {
	if len(mirrors) == 0 {
		return nil
	}
	result := make([]string, len(mirrors))
	for i, m := range mirrors {
		result[i] = fmt.Sprintf("%s:%s", m.Name, m.Type)
	}
	return result
}
