package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/repohub/internal/store"
)

// NewDiskBackend 以 basePath 为根目录构建磁盘后端，整站复用一份实例。
func NewDiskBackend(basePath string) (*DiskBackend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &DiskBackend{
		basePath: abs,
		locks:    make(map[Locator]*entryLock),
	}, nil
}

// DiskBackend 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type DiskBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[Locator]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *DiskBackend) Open(ctx context.Context, locator Locator) (io.ReadSeekCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *DiskBackend) Write(ctx context.Context, locator Locator, body io.Reader, _ time.Duration) (int64, error) {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return 0, err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func (s *DiskBackend) Remove(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DiskBackend) RemoveStore(ctx context.Context, key store.StoreKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.storeDir(key)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *DiskBackend) lockEntry(locator Locator) func() {
	s.mu.Lock()
	lock := s.locks[locator]
	if lock == nil {
		lock = &entryLock{}
		s.locks[locator] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, locator)
		}
		s.mu.Unlock()
	}
}

func (s *DiskBackend) storeDir(key store.StoreKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, string(key.Type), key.Name), nil
}

func (s *DiskBackend) entryPath(locator Locator) (string, error) {
	dir, err := s.storeDir(locator.Store)
	if err != nil {
		return "", err
	}

	rel := path.Clean("/" + locator.Path)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}

	filePath := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, dir+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
