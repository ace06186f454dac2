package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/config"
	"github.com/needy-build/needy-cache/internal/logging"
	"github.com/needy-build/needy-cache/internal/mirror/localdir"
	"github.com/needy-build/needy-cache/internal/server"
	"github.com/needy-build/needy-cache/internal/version"
)

// startMirrorServer 遵循“镜像目录 → 启动清理 → Fiber server”顺序，ctx 取消时优雅退出。
func startMirrorServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store, err := localdir.New("server", cfg.Global.MirrorStoragePath, localdir.WithLogger(logger))
	if err != nil {
		return err
	}
	if _, err := store.Prune(cfg.Global.MirrorLifetime.DurationValue()); err != nil {
		logger.WithFields(logrus.Fields{"action": "mirror_prune", "root": store.Root()}).
			WithError(err).Warn("mirror_prune_failed")
	}

	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Store:      store,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", "")
	fields["listen_port"] = port
	fields["root"] = store.Root()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("Fiber 服务启动")

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()
	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
