package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/resolve"
	"github.com/any-hub/repohub/internal/store"
)

type contentHandler struct {
	svc    ContentService
	logger *logrus.Logger
}

// handle 按方法分派 /api/content/:type/:name/* 请求。
func (h *contentHandler) handle(c fiber.Ctx) error {
	key, err := routeKey(c)
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store_key", err)
	}
	path := c.Params("*")

	switch c.Method() {
	case fiber.MethodGet:
		return h.serve(c, key, path, true)
	case fiber.MethodHead:
		return h.serve(c, key, path, false)
	case fiber.MethodPut:
		return h.deploy(c, key, path)
	case fiber.MethodDelete:
		// hosted 仓库上的具体路径表示删除已部署内容，其余情况只清理缓存。
		if key.Type == store.TypeHosted && path != "" {
			return h.undeploy(c, key, path)
		}
		return h.clear(c, key, path)
	default:
		c.Set(fiber.HeaderAllow, "GET, HEAD, PUT, DELETE")
		return renderError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (h *contentHandler) serve(c fiber.Ctx, key store.StoreKey, path string, withBody bool) error {
	ctx := requestContext(c)
	var (
		res *resolve.Result
		err error
	)
	if withBody {
		res, err = h.svc.Resolve(ctx, key, path)
	} else {
		res, err = h.svc.Stat(ctx, key, path)
	}
	if err != nil {
		return h.renderFailure(c, err)
	}

	c.Set(headerOrigin, res.Origin.String())
	c.Set(headerIndexHit, strconv.FormatBool(res.FromIndex))
	contentType := res.Entry.ContentType
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	if res.Entry.Digest != "" {
		c.Set(fiber.HeaderETag, strconv.Quote(res.Entry.Digest))
	}
	if !res.Entry.FetchedAt.IsZero() {
		c.Set(fiber.HeaderLastModified, res.Entry.FetchedAt.UTC().Format(http.TimeFormat))
	}
	c.Status(fiber.StatusOK)

	if !withBody || res.Body == nil {
		c.Response().Header.SetContentLength(int(res.Entry.SizeBytes))
		return nil
	}
	// fasthttp 在写完响应后关闭实现了 io.Closer 的 body。
	return c.SendStream(res.Body, int(res.Entry.SizeBytes))
}

func (h *contentHandler) deploy(c fiber.Ctx, key store.StoreKey, path string) error {
	if path == "" {
		return renderError(c, fiber.StatusBadRequest, "path_required")
	}
	written, err := h.svc.Deploy(requestContext(c), key, path, bytes.NewReader(c.Body()))
	if err != nil {
		return h.renderFailure(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"store": key.String(),
		"path":  path,
		"size":  written,
	})
}

func (h *contentHandler) undeploy(c fiber.Ctx, key store.StoreKey, path string) error {
	if err := h.svc.Undeploy(requestContext(c), key, path); err != nil {
		return h.renderFailure(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *contentHandler) clear(c fiber.Ctx, key store.StoreKey, path string) error {
	var target *string
	if path != "" {
		target = &path
	}
	removed, err := h.svc.ClearCache(requestContext(c), key, target)
	if err != nil {
		return h.renderFailure(c, err)
	}
	return c.JSON(fiber.Map{
		"store":   key.String(),
		"removed": removed,
	})
}

// renderFailure 把引擎错误映射为 HTTP 状态与错误码。
func (h *contentHandler) renderFailure(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, resolve.ErrStoreUnknown):
		return renderError(c, fiber.StatusNotFound, "store_not_found")
	case errors.Is(err, resolve.ErrNotFound):
		return renderError(c, fiber.StatusNotFound, "not_found")
	case errors.Is(err, resolve.ErrTransient):
		h.logger.WithFields(requestFields(c, "content")).WithError(err).Warn("upstream unavailable")
		return renderError(c, fiber.StatusBadGateway, "upstream_unavailable")
	case errors.Is(err, fetch.ErrReadonly):
		return renderError(c, fiber.StatusForbidden, "store_readonly")
	case errors.Is(err, resolve.ErrNotHosted):
		c.Set(fiber.HeaderAllow, "GET, HEAD, DELETE")
		return renderError(c, fiber.StatusMethodNotAllowed, "store_not_hosted")
	case errors.Is(err, store.ErrInvalid):
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_request", err)
	default:
		h.logger.WithFields(requestFields(c, "content")).WithError(err).Error("content request failed")
		return renderError(c, fiber.StatusInternalServerError, "internal_error")
	}
}
