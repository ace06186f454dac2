package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPath 是未通过参数或环境变量指定时使用的配置文件。
const DefaultPath = "needy-cache.toml"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Mirrors {
		applyMirrorDefaults(&cfg.Mirrors[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("LockTimeout", "10s")
	v.SetDefault("ObjectLifetime", "336h")
	v.SetDefault("GCFrequency", "24h")
	v.SetDefault("ListenPort", 5080)
	v.SetDefault("MirrorStoragePath", "./mirror")
	v.SetDefault("MirrorLifetime", "168h")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5080
	}
	if g.ObjectLifetime.DurationValue() == 0 {
		g.ObjectLifetime = Duration(14 * 24 * time.Hour)
	}
	if g.MirrorLifetime.DurationValue() == 0 {
		g.MirrorLifetime = Duration(7 * 24 * time.Hour)
	}
	if g.MirrorStoragePath == "" {
		g.MirrorStoragePath = "./mirror"
	}
}

func applyMirrorDefaults(m *MirrorConfig) {
	m.Type = strings.ToLower(strings.TrimSpace(m.Type))
	if m.Timeout.DurationValue() < 0 {
		m.Timeout = Duration(0)
	}
}

// resolvePaths 展开 ~ 并转换为绝对路径，保证多个进程看到同一个缓存根目录。
func (c *Config) resolvePaths() error {
	for i := range c.Caches {
		abs, err := absPath(c.Caches[i].Path)
		if err != nil {
			return fmt.Errorf("无法解析缓存目录 %s: %w", c.Caches[i].Name, err)
		}
		c.Caches[i].Path = abs
	}
	for i := range c.Mirrors {
		if c.Mirrors[i].Type != MirrorTypeDirectory {
			continue
		}
		abs, err := absPath(c.Mirrors[i].Path)
		if err != nil {
			return fmt.Errorf("无法解析镜像目录 %s: %w", c.Mirrors[i].Name, err)
		}
		c.Mirrors[i].Path = abs
	}
	abs, err := absPath(c.Global.MirrorStoragePath)
	if err != nil {
		return fmt.Errorf("无法解析镜像存储目录: %w", err)
	}
	c.Global.MirrorStoragePath = abs
	return nil
}

func absPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
