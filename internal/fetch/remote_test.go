package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/store"
)

func TestRemoteFetchClassifiesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/maven2/org/a/a.jar":
			w.Header().Set("Content-Type", "application/java-archive")
			_, _ = w.Write([]byte("payload"))
		case "/maven2/gone":
			w.WriteHeader(http.StatusGone)
		case "/maven2/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/maven2/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	repo := store.NewRemote("central", server.URL+"/maven2/")
	f := NewRemote(RemoteOptions{})

	res, err := f.Fetch(context.Background(), repo, "org/a/a.jar")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if string(body) != "payload" || res.ContentType != "application/java-archive" || res.Source != cache.SourceRemote {
		t.Fatalf("unexpected result %+v body=%q", res, body)
	}
	if res.Location != server.URL+"/maven2/org/a/a.jar" {
		t.Fatalf("unexpected location %s", res.Location)
	}

	cases := map[string]error{
		"missing": ErrAbsent,
		"gone":    ErrAbsent,
		"busy":    ErrTransient,
		"limited": ErrTransient,
	}
	for p, want := range cases {
		if _, err := f.Fetch(context.Background(), repo, p); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", p, want, err)
		}
	}
}

func TestRemoteFetchSendsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	repo := store.NewRemote("private", server.URL)
	repo.Username, repo.Password = "ci", "secret"
	res, err := NewRemote(RemoteOptions{}).Fetch(context.Background(), repo, "x")
	if err != nil {
		t.Fatalf("fetch with credentials: %v", err)
	}
	res.Body.Close()
}

func TestRemoteReadTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	repo := store.NewRemote("slow", server.URL)
	repo.ReadTimeout = 30 * time.Millisecond
	_, err := NewRemote(RemoteOptions{}).Fetch(context.Background(), repo, "a.jar")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestRemoteConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	repo := store.NewRemote("down", addr)
	repo.ConnectTimeout = 200 * time.Millisecond
	_, err := NewRemote(RemoteOptions{}).Fetch(context.Background(), repo, "a.jar")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if !errors.Is(Classify(errors.New("boom")), ErrTransient) {
		t.Fatalf("unclassified errors should become transient")
	}
	absent := ErrAbsent
	if Classify(absent) != absent {
		t.Fatalf("classified errors must pass through")
	}
}
