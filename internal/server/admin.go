package server

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/store"
)

type adminHandler struct {
	registry *registry.Registry
	logger   *logrus.Logger
}

type changelogPayload struct {
	Changelog string `json:"changelog"`
}

// list 返回某一类型的全部仓库，按名称排序。
func (h *adminHandler) list(c fiber.Ctx) error {
	t, err := store.ParseStoreType(c.Params("type"))
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store_type", err)
	}
	stores := h.registry.List(t)
	items := make([]json.RawMessage, 0, len(stores))
	for _, s := range stores {
		data, err := store.Marshal(s)
		if err != nil {
			return h.renderFailure(c, err)
		}
		items = append(items, data)
	}
	return c.JSON(fiber.Map{"items": items})
}

// handle 按方法分派 /api/admin/:type/:name 请求。
func (h *adminHandler) handle(c fiber.Ctx) error {
	key, err := routeKey(c)
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store_key", err)
	}
	switch c.Method() {
	case fiber.MethodGet:
		return h.get(c, key, true)
	case fiber.MethodHead:
		return h.get(c, key, false)
	case fiber.MethodPut:
		return h.update(c, key)
	case fiber.MethodDelete:
		return h.remove(c, key)
	default:
		c.Set(fiber.HeaderAllow, "GET, HEAD, PUT, DELETE")
		return renderError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (h *adminHandler) get(c fiber.Ctx, key store.StoreKey, withBody bool) error {
	s, ok := h.registry.Get(key)
	if !ok {
		if !withBody {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return renderError(c, fiber.StatusNotFound, "store_not_found")
	}
	if !withBody {
		setRevision(c, s)
		return c.SendStatus(fiber.StatusOK)
	}
	return h.renderStore(c, fiber.StatusOK, s)
}

func (h *adminHandler) create(c fiber.Ctx) error {
	t, err := store.ParseStoreType(c.Params("type"))
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store_type", err)
	}
	s, err := store.UnmarshalAs(t, c.Body())
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store", err)
	}
	committed, err := h.registry.Put(requestContext(c), s, registry.PutOptions{
		User: c.Get(headerUser),
	})
	if err != nil {
		return h.renderFailure(c, err)
	}
	c.Location("/api/admin/" + string(t) + "/" + store.KeyOf(committed).Name)
	return h.renderStore(c, fiber.StatusCreated, committed)
}

// update 使用 If-Match 中的修订号做 CAS；缺省时以当前修订号覆盖，仓库不存在则创建。
func (h *adminHandler) update(c fiber.Ctx, key store.StoreKey) error {
	s, err := store.UnmarshalAs(key.Type, c.Body())
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store", err)
	}
	if store.KeyOf(s) != key {
		return renderError(c, fiber.StatusBadRequest, "name_mismatch")
	}

	var expected int64
	if raw := c.Get(fiber.HeaderIfMatch); raw != "" {
		expected, err = parseRevision(raw)
		if err != nil {
			return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_if_match", err)
		}
	} else if current, ok := h.registry.Revision(key); ok {
		expected = current
	}

	committed, err := h.registry.Put(requestContext(c), s, registry.PutOptions{
		ExpectedRevision: &expected,
		User:             c.Get(headerUser),
		Summary:          c.Get("X-Repohub-Changelog"),
	})
	if err != nil {
		return h.renderFailure(c, err)
	}
	status := fiber.StatusOK
	if expected == 0 {
		status = fiber.StatusCreated
	}
	return h.renderStore(c, status, committed)
}

func (h *adminHandler) remove(c fiber.Ctx, key store.StoreKey) error {
	summary := changelogFrom(c)
	if err := h.registry.Remove(requestContext(c), key, summary); err != nil {
		return h.renderFailure(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// rename 处理 POST /api/admin/:type/:name/rename/:to。
func (h *adminHandler) rename(c fiber.Ctx) error {
	key, err := routeKey(c)
	if err != nil {
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store_key", err)
	}
	renamed, err := h.registry.Rename(requestContext(c), key, c.Params("to"), registry.PutOptions{
		User:    c.Get(headerUser),
		Summary: changelogFrom(c),
	})
	if err != nil {
		return h.renderFailure(c, err)
	}
	return h.renderStore(c, fiber.StatusOK, renamed)
}

func (h *adminHandler) renderStore(c fiber.Ctx, status int, s store.ArtifactStore) error {
	data, err := store.Marshal(s)
	if err != nil {
		return h.renderFailure(c, err)
	}
	setRevision(c, s)
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(data)
}

// renderFailure 把 Registry 错误映射为 HTTP 状态与错误码。
func (h *adminHandler) renderFailure(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, registry.ErrStoreNotFound):
		return renderError(c, fiber.StatusNotFound, "store_not_found")
	case errors.Is(err, registry.ErrStoreExists):
		return renderError(c, fiber.StatusConflict, "store_exists")
	case errors.Is(err, registry.ErrConflict):
		return renderErrorDetail(c, fiber.StatusConflict, "revision_conflict", err)
	case errors.Is(err, registry.ErrCycleDetected):
		return renderErrorDetail(c, fiber.StatusBadRequest, "cycle_detected", err)
	case errors.Is(err, registry.ErrValidation):
		return renderErrorDetail(c, fiber.StatusBadRequest, "invalid_store", err)
	default:
		h.logger.WithFields(requestFields(c, "store_admin")).WithError(err).Error("store admin request failed")
		return renderError(c, fiber.StatusInternalServerError, "internal_error")
	}
}

func setRevision(c fiber.Ctx, s store.ArtifactStore) {
	rev := strconv.FormatInt(s.Common().Revision, 10)
	c.Set(headerRevision, rev)
	c.Set(fiber.HeaderETag, strconv.Quote(rev))
}

// parseRevision 接受 `3`、`"3"` 与 `W/"3"` 三种写法。
func parseRevision(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return 0, errors.New("If-Match must carry a store revision")
	}
	return rev, nil
}

// changelogFrom 读取可选的变更说明：JSON {"changelog": "..."} 或纯文本。
func changelogFrom(c fiber.Ctx) string {
	body := strings.TrimSpace(string(c.Body()))
	if body == "" {
		return c.Get("X-Repohub-Changelog")
	}
	if strings.HasPrefix(body, "{") {
		var payload changelogPayload
		if err := json.Unmarshal([]byte(body), &payload); err == nil {
			return payload.Changelog
		}
	}
	return body
}
