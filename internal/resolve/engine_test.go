package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/fetch"
	"github.com/any-hub/repohub/internal/locks"
	_ "github.com/any-hub/repohub/internal/pkgtype/generic"
	_ "github.com/any-hub/repohub/internal/pkgtype/maven"
	_ "github.com/any-hub/repohub/internal/pkgtype/npm"
	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/store"
)

const artifact = "org/demo/app/1.0/app-1.0.jar"

type fakeUpstream struct {
	mu      sync.Mutex
	content map[store.StoreKey]map[string]string
	down    map[store.StoreKey]bool
	calls   map[store.StoreKey]int
	paths   []string
	gate    chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		content: make(map[store.StoreKey]map[string]string),
		down:    make(map[store.StoreKey]bool),
		calls:   make(map[store.StoreKey]int),
	}
}

func (f *fakeUpstream) set(key store.StoreKey, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.content[key] == nil {
		f.content[key] = make(map[string]string)
	}
	f.content[key][path] = body
}

func (f *fakeUpstream) setDown(key store.StoreKey, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[key] = down
}

func (f *fakeUpstream) count(key store.StoreKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeUpstream) Fetch(ctx context.Context, s store.ArtifactStore, path string) (*fetch.Result, error) {
	key := store.KeyOf(s)
	f.mu.Lock()
	f.calls[key]++
	f.paths = append(f.paths, path)
	gate := f.gate
	body, ok := f.content[key][path]
	down := f.down[key]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if down {
		return nil, fmt.Errorf("%w: %s connection refused", fetch.ErrTransient, key)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", fetch.ErrAbsent, key, path)
	}
	return &fetch.Result{
		Body:     io.NopCloser(strings.NewReader(body)),
		Size:     int64(len(body)),
		Location: "mem://" + key.String() + "/" + path,
		Source:   cache.SourceRemote,
	}, nil
}

type harness struct {
	reg    *registry.Registry
	cache  *cache.Cache
	engine *Engine
	up     *fakeUpstream
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	backend, err := cache.NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	c, err := cache.New(cache.Options{Backend: backend, Logger: logger})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	reg := registry.New(registry.Options{Logger: logger})
	up := newFakeUpstream()

	opts := Options{
		Registry: reg,
		Cache:    c,
		Hosted:   up,
		Remote:   up,
		Logger:   logger,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	engine, err := New(opts)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &harness{reg: reg, cache: c, engine: engine, up: up}
}

func (h *harness) put(t *testing.T, s store.ArtifactStore) store.ArtifactStore {
	t.Helper()
	out, err := h.reg.Put(context.Background(), s, registry.PutOptions{})
	if err != nil {
		t.Fatalf("put %s: %v", store.KeyOf(s), err)
	}
	return out
}

func (h *harness) update(t *testing.T, key store.StoreKey, fn func(store.ArtifactStore)) {
	t.Helper()
	cur, ok := h.reg.Get(key)
	if !ok {
		t.Fatalf("store %s missing", key)
	}
	next := cur.Clone()
	fn(next)
	rev := cur.Common().Revision
	if _, err := h.reg.Put(context.Background(), next, registry.PutOptions{ExpectedRevision: &rev}); err != nil {
		t.Fatalf("update %s: %v", key, err)
	}
}

// standard 构造 G=[H, R]。
func (h *harness) standard(t *testing.T) (store.StoreKey, store.StoreKey, store.StoreKey) {
	t.Helper()
	hosted := h.put(t, store.NewHosted("local"))
	remote := h.put(t, store.NewRemote("central", "https://repo.example.com/maven2"))
	group := h.put(t, store.NewGroup("public", store.KeyOf(hosted), store.KeyOf(remote)))
	return store.KeyOf(group), store.KeyOf(hosted), store.KeyOf(remote)
}

func readBody(t *testing.T, res *Result) string {
	t.Helper()
	if res.Body == nil {
		t.Fatalf("result has no body")
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestScenarioAResolvesFromRemoteAndIndexes(t *testing.T) {
	h := newHarness(t)
	g, hosted, remote := h.standard(t)
	h.up.set(remote, artifact, "from-remote")

	first, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Origin != remote || readBody(t, first) != "from-remote" || first.FromIndex {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Origin != remote || readBody(t, second) != "from-remote" || !second.FromIndex {
		t.Fatalf("second resolve should be served from index, got %+v", second)
	}
	if h.up.count(remote) != 1 || h.up.count(hosted) != 1 {
		t.Fatalf("expected one fetch per member, hosted=%d remote=%d", h.up.count(hosted), h.up.count(remote))
	}
	if second.Entry.Digest == "" || second.Entry.Digest != first.Entry.Digest {
		t.Fatalf("digest mismatch: %q vs %q", first.Entry.Digest, second.Entry.Digest)
	}
}

func TestScenarioBDisabledRemoteIsNotFound(t *testing.T) {
	h := newHarness(t)
	g, _, remote := h.standard(t)
	h.up.set(remote, artifact, "from-remote")
	h.update(t, remote, func(s store.ArtifactStore) { s.Common().Disabled = true })

	_, err := h.engine.Resolve(context.Background(), g, artifact)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.up.count(remote) != 0 {
		t.Fatalf("disabled remote must not be contacted")
	}
}

func TestScenarioCFirstMemberWins(t *testing.T) {
	h := newHarness(t)
	g, hosted, remote := h.standard(t)
	h.up.set(hosted, artifact, "from-hosted")
	h.up.set(remote, artifact, "from-remote")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Origin != hosted || readBody(t, res) != "from-hosted" {
		t.Fatalf("expected hosted content, got %+v", res)
	}
	if h.up.count(remote) != 0 {
		t.Fatalf("remote must not be contacted after a hit, calls=%d", h.up.count(remote))
	}
}

func TestScenarioDUnreachableOnlyMemberIsTransient(t *testing.T) {
	h := newHarness(t)
	remote := store.KeyOf(h.put(t, store.NewRemote("central", "https://repo.example.com/maven2")))
	g := store.KeyOf(h.put(t, store.NewGroup("public", remote)))
	h.up.setDown(remote, true)

	_, err := h.engine.Resolve(context.Background(), g, artifact)
	if !errors.Is(err, ErrTransient) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var terr *TransientError
	if !errors.As(err, &terr) || len(terr.Failures) != 1 || terr.Failures[0].Store != remote {
		t.Fatalf("expected aggregated failure naming %s, got %#v", remote, err)
	}
	if !errors.Is(err, fetch.ErrTransient) {
		t.Fatalf("candidate error should be reachable through the aggregate: %v", err)
	}
}

func TestAbsenceBeatsTransientFailure(t *testing.T) {
	h := newHarness(t)
	g, _, remote := h.standard(t)
	h.up.setDown(remote, true)

	_, err := h.engine.Resolve(context.Background(), g, artifact)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("a definitive absence from hosted should yield ErrNotFound, got %v", err)
	}
}

func TestScenarioEUpdateInvalidatesIndex(t *testing.T) {
	h := newHarness(t)
	g, hosted, remote := h.standard(t)
	h.up.set(hosted, artifact, "from-hosted")
	h.up.set(remote, artifact, "from-remote")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil || res.Origin != hosted {
		t.Fatalf("resolve: %+v %v", res, err)
	}
	res.Body.Close()

	h.update(t, hosted, func(s store.ArtifactStore) { s.Common().Description = "renamed" })
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve after update: %v", err)
	}
	res.Body.Close()
	if res.FromIndex || res.Origin != hosted {
		t.Fatalf("revision change must force a re-walk, got %+v", res)
	}
	if h.up.count(hosted) != 1 {
		t.Fatalf("non-material change should keep cached content, fetches=%d", h.up.count(hosted))
	}

	h.update(t, hosted, func(s store.ArtifactStore) { s.Common().Disabled = true })
	if n := h.engine.Index().Len(); n != 0 {
		t.Fatalf("index entries with origin %s should be gone, len=%d", hosted, n)
	}
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve after disable: %v", err)
	}
	if res.Origin != remote || readBody(t, res) != "from-remote" || res.FromIndex {
		t.Fatalf("expected re-walk to remote, got %+v", res)
	}
}

func TestConcurrentResolvesCoalesce(t *testing.T) {
	h := newHarness(t)
	remote := store.KeyOf(h.put(t, store.NewRemote("central", "https://repo.example.com/maven2")))
	h.up.set(remote, artifact, "payload")
	gate := make(chan struct{})
	h.up.gate = gate

	const n = 12
	var wg sync.WaitGroup
	bodies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Resolve(context.Background(), remote, artifact)
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			bodies[i] = string(data)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil || bodies[i] != "payload" {
			t.Fatalf("caller %d: body=%q err=%v", i, bodies[i], errs[i])
		}
	}
	if got := h.up.count(remote); got != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", got)
	}
}

func TestDeleteAndRecreateInvalidates(t *testing.T) {
	h := newHarness(t)
	g, _, remote := h.standard(t)
	h.up.set(remote, artifact, "v1")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res.Body.Close()

	if err := h.reg.Remove(context.Background(), remote, "retire"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.engine.Resolve(context.Background(), g, artifact); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	h.put(t, store.NewRemote("central", "https://repo.example.com/maven2"))
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve after recreate: %v", err)
	}
	if res.FromIndex || res.Origin != remote || readBody(t, res) != "v1" {
		t.Fatalf("recreated store should be re-walked, got %+v", res)
	}
	if h.up.count(remote) != 2 {
		t.Fatalf("cache should be dropped on delete, fetches=%d", h.up.count(remote))
	}
}

func TestExcludedCandidateIsNotContacted(t *testing.T) {
	h := newHarness(t)
	hosted := store.KeyOf(h.put(t, store.NewHosted("local")))
	r := store.NewRemote("central", "https://repo.example.com/maven2")
	r.ExcludedPatterns = []string{"org/demo/**"}
	remote := store.KeyOf(h.put(t, r))
	g := store.KeyOf(h.put(t, store.NewGroup("public", hosted, remote)))
	h.up.set(remote, artifact, "payload")

	if _, err := h.engine.Resolve(context.Background(), g, artifact); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.up.count(remote) != 0 {
		t.Fatalf("excluded candidate must not be contacted")
	}
}

func TestCacheOnlyRemoteNeverFetches(t *testing.T) {
	h := newHarness(t)
	r := store.NewRemote("central", "https://repo.example.com/maven2")
	r.CacheOnly = true
	remote := store.KeyOf(h.put(t, r))
	h.up.set(remote, artifact, "payload")

	if _, err := h.engine.Resolve(context.Background(), remote, artifact); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.up.count(remote) != 0 {
		t.Fatalf("cache-only remote must not fetch")
	}
}

func TestTransientThresholdCachesNegative(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.TransientThreshold = 2 })
	remote := store.KeyOf(h.put(t, store.NewRemote("central", "https://repo.example.com/maven2")))
	h.up.setDown(remote, true)

	if _, err := h.engine.Resolve(context.Background(), remote, artifact); !errors.Is(err, ErrTransient) {
		t.Fatalf("first failure should be transient, got %v", err)
	}
	if _, err := h.engine.Resolve(context.Background(), remote, artifact); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reaching the threshold should cache absence, got %v", err)
	}
	if _, err := h.engine.Resolve(context.Background(), remote, artifact); !errors.Is(err, ErrNotFound) {
		t.Fatalf("negative entry should be served, got %v", err)
	}
	if got := h.up.count(remote); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}

func TestStatReturnsNoBody(t *testing.T) {
	h := newHarness(t)
	remote := store.KeyOf(h.put(t, store.NewRemote("central", "https://repo.example.com/maven2")))
	h.up.set(remote, artifact, "payload")

	res, err := h.engine.Stat(context.Background(), remote, "/"+artifact)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if res.Body != nil || res.Entry.SizeBytes != int64(len("payload")) || res.Path != artifact {
		t.Fatalf("unexpected stat result %+v", res)
	}
}

func TestUnknownAndDisabledRequestedStore(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Resolve(context.Background(), store.NewKey(store.TypeGroup, "missing"), artifact)
	if !errors.Is(err, ErrStoreUnknown) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrStoreUnknown, got %v", err)
	}

	g, hosted, _ := h.standard(t)
	h.up.set(hosted, artifact, "x")
	h.update(t, g, func(s store.ArtifactStore) { s.Common().Disabled = true })
	if _, err := h.engine.Resolve(context.Background(), g, artifact); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disabled requested store should be not found, got %v", err)
	}
}

func TestClearCacheForcesRefetch(t *testing.T) {
	h := newHarness(t)
	g, _, remote := h.standard(t)
	h.up.set(remote, artifact, "v1")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res.Body.Close()

	h.up.set(remote, artifact, "v2")
	p := artifact
	if n, err := h.engine.ClearCache(context.Background(), g, &p); err != nil || n == 0 {
		t.Fatalf("clear cache: n=%d err=%v", n, err)
	}
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve after clear: %v", err)
	}
	if readBody(t, res) != "v2" || res.FromIndex {
		t.Fatalf("expected refetched content, got %+v", res)
	}
}

func TestDeployShadowsRemoteContent(t *testing.T) {
	storage := fetch.NewHostedFs(afero.NewMemMapFs())
	h := newHarness(t, func(o *Options) {
		o.Hosted = storage
		o.Storage = storage
	})
	g, hosted, remote := h.standard(t)
	h.up.set(remote, artifact, "from-remote")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil || res.Origin != remote {
		t.Fatalf("resolve: %+v %v", res, err)
	}
	res.Body.Close()

	if _, err := h.engine.Deploy(context.Background(), hosted, artifact, strings.NewReader("from-hosted")); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve after deploy: %v", err)
	}
	if res.Origin != hosted || readBody(t, res) != "from-hosted" {
		t.Fatalf("deployed content should win, got %+v", res)
	}

	if err := h.engine.Undeploy(context.Background(), hosted, artifact); err != nil {
		t.Fatalf("undeploy: %v", err)
	}
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil || res.Origin != remote {
		t.Fatalf("expected fallback to remote, got %+v %v", res, err)
	}
	res.Body.Close()

	if _, err := h.engine.Deploy(context.Background(), remote, artifact, strings.NewReader("x")); !errors.Is(err, ErrNotHosted) {
		t.Fatalf("expected ErrNotHosted, got %v", err)
	}
}

func TestNpmDocumentIsNormalizedAndRewritten(t *testing.T) {
	h := newHarness(t)
	r := store.NewRemote("npmjs", "https://registry.npmjs.org")
	r.PackageType = "npm"
	remote := store.KeyOf(h.put(t, r))
	h.up.set(remote, "lodash", `{"dist":{"tarball":"https://registry.npmjs.org/lodash/-/lodash-4.tgz"}}`)

	res, err := h.engine.Resolve(context.Background(), remote, "lodash")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != "lodash/package.json" || res.Entry.ContentType != "application/json" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := `{"dist":{"tarball":"/api/content/remote/npmjs/lodash/-/lodash-4.tgz"}}`
	if got := readBody(t, res); got != want {
		t.Fatalf("unexpected body %s", got)
	}
	if res.Entry.ExpiresAt.Sub(res.Entry.FetchedAt) > time.Hour {
		t.Fatalf("package documents should use the metadata ttl, got %s", res.Entry.ExpiresAt.Sub(res.Entry.FetchedAt))
	}
}

func TestCallerDeadlineYieldsTransient(t *testing.T) {
	h := newHarness(t)
	remote := store.KeyOf(h.put(t, store.NewRemote("central", "https://repo.example.com/maven2")))
	h.up.set(remote, artifact, "payload")
	gate := make(chan struct{})
	h.up.gate = gate

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.engine.Resolve(ctx, remote, artifact)
	if !errors.Is(err, ErrTransient) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transient deadline error, got %v", err)
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := h.cache.Get(context.Background(), remote, artifact); ok && entry.Exists {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("in-flight fetch should populate the cache after the caller gave up")
}

type slowFetcher struct {
	fetch.Fetcher
	delay time.Duration
}

func (f slowFetcher) Fetch(ctx context.Context, s store.ArtifactStore, path string) (*fetch.Result, error) {
	time.Sleep(f.delay)
	return f.Fetcher.Fetch(ctx, s, path)
}

func TestSlowFirstMemberStillWins(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Hosted = slowFetcher{Fetcher: o.Hosted, delay: 150 * time.Millisecond}
		o.Locks = locks.New(locks.Options{WaitTimeout: 50 * time.Millisecond, FetchTimeout: 5 * time.Second})
	})
	g, hosted, remote := h.standard(t)
	h.up.set(hosted, artifact, "from-hosted")
	h.up.set(remote, artifact, "from-remote")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Origin != hosted || readBody(t, res) != "from-hosted" {
		t.Fatalf("slow hosted member should still win, got origin %s", res.Origin)
	}
	if h.up.count(remote) != 0 {
		t.Fatalf("remote must not be contacted, calls=%d", h.up.count(remote))
	}

	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	res.Body.Close()
	if res.Origin != hosted || !res.FromIndex {
		t.Fatalf("second resolve should hit the index for hosted, got %+v", res)
	}
}

func TestFallbackAfterTransientFailureIsNotIndexed(t *testing.T) {
	h := newHarness(t)
	g, hosted, remote := h.standard(t)
	h.up.setDown(hosted, true)
	h.up.set(hosted, artifact, "from-hosted")
	h.up.set(remote, artifact, "from-remote")

	res, err := h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Origin != remote || readBody(t, res) != "from-remote" {
		t.Fatalf("expected remote fallback, got origin %s", res.Origin)
	}
	if n := h.engine.Index().Len(); n != 0 {
		t.Fatalf("fallback past a failing member must not be indexed, len=%d", n)
	}

	h.up.setDown(hosted, false)
	res, err = h.engine.Resolve(context.Background(), g, artifact)
	if err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
	if res.Origin != hosted || res.FromIndex || readBody(t, res) != "from-hosted" {
		t.Fatalf("recovered first member should win again, got %+v", res)
	}
}

// pausingFetcher 在第一次读完内容后暂停，直到 resume 关闭。
type pausingFetcher struct {
	fetch.Fetcher
	paused chan struct{}
	resume chan struct{}
	once   sync.Once
}

func (f *pausingFetcher) Fetch(ctx context.Context, s store.ArtifactStore, path string) (*fetch.Result, error) {
	res, err := f.Fetcher.Fetch(ctx, s, path)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	f.once.Do(func() {
		close(f.paused)
		<-f.resume
	})
	return &fetch.Result{
		Body:        io.NopCloser(bytes.NewReader(data)),
		Size:        int64(len(data)),
		ContentType: res.ContentType,
		Location:    res.Location,
		Source:      res.Source,
	}, nil
}

func TestDeployDuringFillIsNotOverwritten(t *testing.T) {
	storage := fetch.NewHostedFs(afero.NewMemMapFs())
	pausing := &pausingFetcher{Fetcher: storage, paused: make(chan struct{}), resume: make(chan struct{})}
	h := newHarness(t, func(o *Options) {
		o.Hosted = pausing
		o.Storage = storage
	})
	hosted := store.KeyOf(h.put(t, store.NewHosted("local")))
	ctx := context.Background()
	if _, err := h.engine.Deploy(ctx, hosted, artifact, strings.NewReader("v1")); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}

	type outcome struct {
		body string
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.engine.Resolve(ctx, hosted, artifact)
		if err != nil {
			first <- outcome{err: err}
			return
		}
		data, err := io.ReadAll(res.Body)
		res.Body.Close()
		first <- outcome{body: string(data), err: err}
	}()

	<-pausing.paused
	if _, err := h.engine.Deploy(ctx, hosted, artifact, strings.NewReader("v2")); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	close(pausing.resume)

	got := <-first
	if got.err != nil || got.body != "v2" {
		t.Fatalf("in-flight resolve should refetch after deploy, got %q %v", got.body, got.err)
	}

	res, err := h.engine.Resolve(ctx, hosted, artifact)
	if err != nil {
		t.Fatalf("resolve after deploy: %v", err)
	}
	if body := readBody(t, res); body != "v2" {
		t.Fatalf("cache must not keep content read before deploy, got %q", body)
	}
}
