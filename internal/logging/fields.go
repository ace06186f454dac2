package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// KeyFields 提供 action + 缓存键字段，供缓存操作日志复用。
func KeyFields(action, key string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"key":    key,
	}
}

// MirrorFields 在 KeyFields 基础上附加镜像名称。
func MirrorFields(action, key, mirror string) logrus.Fields {
	fields := KeyFields(action, key)
	fields["mirror"] = mirror
	return fields
}

// Discard 返回丢弃全部输出的 logger，供未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
