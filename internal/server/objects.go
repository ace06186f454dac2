package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/needy-build/needy-cache/internal/mirror"
	"github.com/needy-build/needy-cache/internal/mirror/localdir"
)

type objectHandler struct {
	store  *localdir.Mirror
	logger *logrus.Logger
}

func (h *objectHandler) get(c fiber.Ctx) error {
	name := c.Params("name")
	if !mirror.ValidObjectName(name) {
		return writeError(c, fiber.StatusBadRequest, "invalid_object_name")
	}

	if c.Method() == http.MethodHead {
		info, err := h.store.StatObject(name)
		if err != nil {
			return h.missingOrFailed(c, name, err)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		c.Response().Header.SetContentLength(int(info.Size()))
		c.Status(fiber.StatusOK)
		return nil
	}

	f, info, err := h.store.OpenObject(name)
	if err != nil {
		return h.missingOrFailed(c, name, err)
	}
	defer f.Close()

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Response().Header.SetContentLength(int(info.Size()))
	c.Status(fiber.StatusOK)
	if _, err := io.Copy(c.Response().BodyWriter(), f); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read object failed: %v", err))
	}
	return nil
}

func (h *objectHandler) put(c fiber.Ctx) error {
	name := c.Params("name")
	if !mirror.ValidObjectName(name) {
		return writeError(c, fiber.StatusBadRequest, "invalid_object_name")
	}

	body := c.Body()
	if len(body) == 0 {
		return writeError(c, fiber.StatusBadRequest, "empty_object")
	}
	if err := h.store.PutObject(c.Context(), name, bytes.NewReader(body)); err != nil {
		h.logger.WithFields(logrus.Fields{"action": "object_put", "object": name, "request_id": RequestID(c)}).
			WithError(err).Error("object_put_failed")
		return writeError(c, fiber.StatusInternalServerError, "object_write_failed")
	}
	return c.SendStatus(fiber.StatusCreated)
}

func (h *objectHandler) missingOrFailed(c fiber.Ctx, name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return writeError(c, fiber.StatusNotFound, "object_not_found")
	}
	h.logger.WithFields(logrus.Fields{"action": "object_get", "object": name, "request_id": RequestID(c)}).
		WithError(err).Error("object_read_failed")
	return writeError(c, fiber.StatusInternalServerError, "object_read_failed")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
