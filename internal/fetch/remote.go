package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/store"
)

const (
	DefaultUpstreamTimeout = 30 * time.Second
	userAgent              = "repohub"
)

// defaultTransport 为所有 remote 仓库复用长连接，连接超时不同的仓库各自克隆一份。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// RemoteOptions 配置 remote 拉取器。
type RemoteOptions struct {
	// UpstreamTimeout 是仓库未设置 ReadTimeout 时的整体请求时限。
	UpstreamTimeout time.Duration
	// Transport 为空时使用共享 transport，测试可替换。
	Transport *http.Transport
}

// Remote 通过 HTTP GET 从上游拉取内容。
type Remote struct {
	base            *http.Transport
	upstreamTimeout time.Duration

	mu         sync.Mutex
	transports map[time.Duration]*http.Transport
}

// NewRemote 构造 Remote。
func NewRemote(opts RemoteOptions) *Remote {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultUpstreamTimeout
	}
	base := opts.Transport
	if base == nil {
		base = defaultTransport
	}
	return &Remote{
		base:            base,
		upstreamTimeout: opts.UpstreamTimeout,
		transports:      make(map[time.Duration]*http.Transport),
	}
}

// Fetch 实现 Fetcher。404/410 以及其它非重试类 4xx 视为不存在；
// 408、429、5xx、网络错误与超时视为暂时失败。
func (r *Remote) Fetch(ctx context.Context, s store.ArtifactStore, p string) (*Result, error) {
	repo, ok := s.(*store.RemoteRepository)
	if !ok {
		return nil, fmt.Errorf("remote fetcher cannot serve %s", store.KeyOf(s))
	}
	target, err := upstreamURL(repo.URL, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbsent, err)
	}

	timeout := repo.ReadTimeout
	if timeout <= 0 {
		timeout = r.upstreamTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: build request: %v", ErrAbsent, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if auth := buildCredentialHeader(repo.Username, repo.Password); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	client := &http.Client{Transport: r.transportFor(repo.ConnectTimeout)}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, target.Redacted(), err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		if isTransientStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %s returned %d", ErrTransient, target.Redacted(), resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s returned %d", ErrAbsent, target.Redacted(), resp.StatusCode)
	}

	location := target.Redacted()
	if resp.Request != nil && resp.Request.URL != nil {
		location = resp.Request.URL.Redacted()
	}
	return &Result{
		Body:        &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		Location:    location,
		Source:      cache.SourceRemote,
	}, nil
}

func (r *Remote) transportFor(connect time.Duration) *http.Transport {
	if connect <= 0 {
		return r.base
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transports[connect]; ok {
		return t
	}
	t := r.base.Clone()
	t.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = connect
	r.transports[connect] = t
	return t
}

func upstreamURL(base, p string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(p, "/")
	if rel == "" {
		return nil, errors.New("empty upstream path")
	}
	return u.JoinPath(rel), nil
}

func isTransientStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Classify 把任意错误归类为 ErrAbsent 或 ErrTransient，已分类的错误原样返回。
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrAbsent) || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
