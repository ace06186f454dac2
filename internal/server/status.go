package server

import (
	"github.com/gofiber/fiber/v3"

	"github.com/needy-build/needy-cache/internal/version"
)

// registerStatusRoutes 暴露 /-/status 诊断接口，供负载均衡与运维探活。
func registerStatusRoutes(app *fiber.App, opts AppOptions) {
	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"version":     version.Full(),
			"root":        opts.Store.Root(),
			"listen_port": opts.ListenPort,
		})
	})
}
