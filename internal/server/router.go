package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/metrics"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/resolve"
	"github.com/any-hub/repohub/internal/store"
)

// ContentService is the part of the resolution engine the HTTP layer needs.
// It allows injecting fake engines during tests.
type ContentService interface {
	Resolve(ctx context.Context, key store.StoreKey, path string) (*resolve.Result, error)
	Stat(ctx context.Context, key store.StoreKey, path string) (*resolve.Result, error)
	ClearCache(ctx context.Context, key store.StoreKey, path *string) (int, error)
	Deploy(ctx context.Context, key store.StoreKey, path string, body io.Reader) (int64, error)
	Undeploy(ctx context.Context, key store.StoreKey, path string) error
}

// AppOptions wires the Fiber application to the engine and the store registry.
type AppOptions struct {
	Logger   *logrus.Logger
	Content  ContentService
	Registry *registry.Registry
	// Metrics 为空时不记录 HTTP 指标。
	Metrics metrics.Recorder
	// MetricsHandler 非空时挂载到 /metrics。
	MetricsHandler http.Handler
}

const (
	contextKeyRequestID = "_repohub_request_id"

	headerRequestID = "X-Request-ID"
	headerOrigin    = "X-Repohub-Origin"
	headerIndexHit  = "X-Repohub-Index-Hit"
	headerRevision  = "X-Repohub-Revision"
	headerUser      = "X-Repohub-User"
)

// NewApp builds the Fiber application with request IDs, panic recovery and
// the content and store-admin route groups.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Content == nil {
		return nil, errors.New("content service is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("store registry is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	content := &contentHandler{svc: opts.Content, logger: opts.Logger}
	app.All("/api/content/:type/:name/*", content.handle)

	admin := &adminHandler{registry: opts.Registry, logger: opts.Logger}
	app.Get("/api/admin/:type", admin.list)
	app.Post("/api/admin/:type", admin.create)
	app.All("/api/admin/:type/:name", admin.handle)
	app.Post("/api/admin/:type/:name/rename/:to", admin.rename)

	if opts.MetricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.MetricsHandler))
	}

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后记录 HTTP 指标。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set(headerRequestID, reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			status = fe.Code
		case err != nil:
			status = fiber.StatusInternalServerError
		}
		route := "unmatched"
		if r := c.Route(); r != nil && r.Path != "" && r.Path != "/" {
			route = r.Path
		}
		if isDiagnosticsPath(route) || route == "/metrics" {
			return err
		}
		opts.Metrics.ObserveHTTP(c.Method(), route, status, time.Since(started))
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// routeKey 从 :type 与 :name 参数构造 StoreKey。
func routeKey(c fiber.Ctx) (store.StoreKey, error) {
	t, err := store.ParseStoreType(c.Params("type"))
	if err != nil {
		return store.StoreKey{}, err
	}
	key := store.NewKey(t, c.Params("name"))
	if err := key.Validate(); err != nil {
		return store.StoreKey{}, err
	}
	return key, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func renderErrorDetail(c fiber.Ctx, status int, code string, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
}

func requestFields(c fiber.Ctx, action string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"request_id": RequestID(c),
		"method":     c.Method(),
		"uri":        c.OriginalURL(),
	}
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
