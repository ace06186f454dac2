package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

const supportedMirrorTypeList = "http|gcs|directory"

// Validate 针对语义级别做进一步校验，防止非法配置进入缓存流程。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.ObjectLifetime.DurationValue() <= 0 {
		return newFieldError("Global.ObjectLifetime", "必须大于 0")
	}
	if g.GCFrequency.DurationValue() < 0 {
		return newFieldError("Global.GCFrequency", "不能为负数")
	}
	if g.MirrorLifetime.DurationValue() <= 0 {
		return newFieldError("Global.MirrorLifetime", "必须大于 0")
	}
	if g.MirrorStoragePath == "" {
		return newFieldError("Global.MirrorStoragePath", "不能为空")
	}

	if len(c.Caches) == 0 {
		return errors.New("至少需要配置一个 Cache")
	}

	seenCaches := map[string]struct{}{}
	for i := range c.Caches {
		cache := &c.Caches[i]
		if cache.Name == "" {
			return newFieldError("Cache[].Name", "不能为空")
		}
		if _, exists := seenCaches[cache.Name]; exists {
			return newFieldError(tableField("Cache", cache.Name, "Name"), "重复")
		}
		seenCaches[cache.Name] = struct{}{}
		if strings.TrimSpace(cache.Path) == "" {
			return newFieldError(tableField("Cache", cache.Name, "Path"), "不能为空")
		}
	}

	seenMirrors := map[string]struct{}{}
	for i := range c.Mirrors {
		mirror := &c.Mirrors[i]
		if mirror.Name == "" {
			return newFieldError("Mirror[].Name", "不能为空")
		}
		if _, exists := seenMirrors[mirror.Name]; exists {
			return newFieldError(tableField("Mirror", mirror.Name, "Name"), "重复")
		}
		seenMirrors[mirror.Name] = struct{}{}

		mirror.Type = strings.ToLower(strings.TrimSpace(mirror.Type))
		switch mirror.Type {
		case MirrorTypeHTTP:
			if err := validateURL(mirror.URL); err != nil {
				return fmt.Errorf("%s: %w", tableField("Mirror", mirror.Name, "URL"), err)
			}
		case MirrorTypeGCS:
			if strings.TrimSpace(mirror.Bucket) == "" {
				return newFieldError(tableField("Mirror", mirror.Name, "Bucket"), "不能为空")
			}
		case MirrorTypeDirectory:
			if strings.TrimSpace(mirror.Path) == "" {
				return newFieldError(tableField("Mirror", mirror.Name, "Path"), "不能为空")
			}
		case "":
			return newFieldError(tableField("Mirror", mirror.Name, "Type"), "不能为空")
		default:
			return newFieldError(tableField("Mirror", mirror.Name, "Type"), "仅支持 "+supportedMirrorTypeList)
		}
	}

	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("缺少镜像地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，镜像: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("镜像缺少 Host: %s", raw)
	}
	return nil
}
