package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/metrics"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/resolve"
	"github.com/any-hub/repohub/internal/store"
)

func TestContentGetServesResolvedBody(t *testing.T) {
	app, fake := newTestApp(t, nil)
	fake.content["org/lib/1.0/lib-1.0.jar"] = "jar-bytes"

	resp, err := app.Test(httptest.NewRequest("GET", "/api/content/group/public/org/lib/1.0/lib-1.0.jar", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if string(body) != "jar-bytes" {
		t.Fatalf("unexpected body %q", string(body))
	}
	if got := resp.Header.Get(headerOrigin); got != "remote:central" {
		t.Fatalf("expected origin header remote:central, got %q", got)
	}
	if got := resp.Header.Get(headerIndexHit); got != "false" {
		t.Fatalf("expected index hit false, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if got := resp.Header.Get("Content-Type"); got != "application/java-archive" {
		t.Fatalf("unexpected content type %q", got)
	}
	if fake.lastKey != store.NewKey(store.TypeGroup, "public") {
		t.Fatalf("unexpected requested key %s", fake.lastKey)
	}
}

func TestContentHeadUsesStat(t *testing.T) {
	app, fake := newTestApp(t, nil)
	fake.content["a.txt"] = "hello"

	resp, err := app.Test(httptest.NewRequest("HEAD", "/api/content/remote/central/a.txt", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if fake.stats != 1 || fake.resolves != 0 {
		t.Fatalf("expected HEAD to call Stat only, stats=%d resolves=%d", fake.stats, fake.resolves)
	}
}

func TestContentErrorMapping(t *testing.T) {
	app, fake := newTestApp(t, nil)
	fake.errs["missing"] = fmt.Errorf("%w: group:public missing", resolve.ErrNotFound)
	fake.errs["flaky"] = &resolve.TransientError{Store: store.NewKey(store.TypeGroup, "public"), Path: "flaky"}
	fake.errs["unknown"] = fmt.Errorf("%w: group:nope", resolve.ErrStoreUnknown)
	fake.errs["bad"] = fmt.Errorf("%w: empty path", store.ErrInvalid)

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"missing", fiber.StatusNotFound, `"not_found"`},
		{"flaky", fiber.StatusBadGateway, `"upstream_unavailable"`},
		{"unknown", fiber.StatusNotFound, `"store_not_found"`},
		{"bad", fiber.StatusBadRequest, `"invalid_request"`},
	}
	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/content/group/public/"+tc.path, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d (body=%s)", tc.path, tc.status, resp.StatusCode, string(body))
		}
		if !bytes.Contains(body, []byte(tc.code)) {
			t.Fatalf("%s: expected error %s, got %s", tc.path, tc.code, string(body))
		}
	}
}

func TestContentRejectsInvalidStoreType(t *testing.T) {
	app, _ := newTestApp(t, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/content/mirror/central/a.txt", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestContentDeleteClearsCache(t *testing.T) {
	app, fake := newTestApp(t, nil)

	resp, err := app.Test(httptest.NewRequest("DELETE", "/api/content/remote/central/org/lib/maven-metadata.xml", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if fake.cleared == nil || *fake.cleared != "org/lib/maven-metadata.xml" {
		t.Fatalf("expected ClearCache for the path, got %v", fake.cleared)
	}
	if !bytes.Contains(body, []byte(`"removed":1`)) {
		t.Fatalf("expected removed count in body, got %s", string(body))
	}
}

func TestContentPutDeploysToHosted(t *testing.T) {
	app, fake := newTestApp(t, nil)

	req := httptest.NewRequest("PUT", "/api/content/hosted/local/org/app/1.0/app-1.0.pom", strings.NewReader("<project/>"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if fake.deployed["org/app/1.0/app-1.0.pom"] != "<project/>" {
		t.Fatalf("unexpected deployed content %v", fake.deployed)
	}

	resp, err = app.Test(httptest.NewRequest("DELETE", "/api/content/hosted/local/org/app/1.0/app-1.0.pom", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 on undeploy, got %d", resp.StatusCode)
	}
	if _, ok := fake.deployed["org/app/1.0/app-1.0.pom"]; ok {
		t.Fatalf("expected deployed content to be removed")
	}
}

func TestContentPutErrors(t *testing.T) {
	app, fake := newTestApp(t, nil)
	fake.deployErr = fmt.Errorf("deploy: %w", fetch.ErrReadonly)

	resp, err := app.Test(httptest.NewRequest("PUT", "/api/content/hosted/local/a.jar", strings.NewReader("x")))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403 for readonly store, got %d", resp.StatusCode)
	}

	fake.deployErr = fmt.Errorf("%w: remote:central", resolve.ErrNotHosted)
	resp, err = app.Test(httptest.NewRequest("PUT", "/api/content/remote/central/a.jar", strings.NewReader("x")))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for non-hosted store, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	prom := metrics.NewProm()
	app, fake := newTestApp(t, prom)
	fake.content["a.txt"] = "hello"

	resp, err := app.Test(httptest.NewRequest("GET", "/api/content/remote/central/a.txt", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`route="/api/content/:type/:name/*"`)) {
		t.Fatalf("expected content route in metrics output, got %s", string(body))
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if _, err := NewApp(AppOptions{Logger: logger, Content: newFakeContent()}); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func newTestApp(t *testing.T, prom *metrics.Prom) (*fiber.App, *fakeContent) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := registry.New(registry.Options{Logger: logger})
	fake := newFakeContent()
	opts := AppOptions{
		Logger:   logger,
		Content:  fake,
		Registry: reg,
	}
	if prom != nil {
		opts.Metrics = prom
		opts.MetricsHandler = prom.Handler()
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, fake
}

type fakeContent struct {
	mu        sync.Mutex
	content   map[string]string
	errs      map[string]error
	deployed  map[string]string
	deployErr error
	cleared   *string
	lastKey   store.StoreKey
	resolves  int
	stats     int
}

func newFakeContent() *fakeContent {
	return &fakeContent{
		content:  make(map[string]string),
		errs:     make(map[string]error),
		deployed: make(map[string]string),
	}
}

func (f *fakeContent) lookup(key store.StoreKey, path string) (*resolve.Result, error) {
	f.lastKey = key
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	body, ok := f.content[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", resolve.ErrNotFound, key, path)
	}
	origin := store.NewKey(store.TypeRemote, "central")
	contentType := "text/plain"
	if strings.HasSuffix(path, ".jar") {
		contentType = "application/java-archive"
	}
	return &resolve.Result{
		Store:  key,
		Origin: origin,
		Path:   path,
		Entry: cache.Entry{
			Locator:     cache.Locator{Store: origin, Path: path},
			Exists:      true,
			SizeBytes:   int64(len(body)),
			Digest:      "abc",
			ContentType: contentType,
			FetchedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}, nil
}

func (f *fakeContent) Resolve(_ context.Context, key store.StoreKey, path string) (*resolve.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	res, err := f.lookup(key, path)
	if err != nil {
		return nil, err
	}
	res.Body = nopSeekCloser{strings.NewReader(f.content[path])}
	return res, nil
}

func (f *fakeContent) Stat(_ context.Context, key store.StoreKey, path string) (*resolve.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats++
	return f.lookup(key, path)
}

func (f *fakeContent) ClearCache(_ context.Context, key store.StoreKey, path *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKey = key
	f.cleared = path
	return 1, nil
}

func (f *fakeContent) Deploy(_ context.Context, key store.StoreKey, path string, body io.Reader) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return 0, f.deployErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	f.lastKey = key
	f.deployed[path] = string(data)
	return int64(len(data)), nil
}

func (f *fakeContent) Undeploy(_ context.Context, key store.StoreKey, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployed[path]; !ok {
		return fmt.Errorf("%w: %s %s", resolve.ErrNotFound, key, path)
	}
	delete(f.deployed, path)
	return nil
}

type nopSeekCloser struct {
	*strings.Reader
}

func (nopSeekCloser) Close() error { return nil }
