package fetch

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

	"github.com/spf13/afero"

	"github.com/any-hub/repohub/internal/cache"
	"github.com/any-hub/repohub/internal/store"
)

// ErrReadonly 表示 hosted 仓库拒绝写入。
var ErrReadonly = errors.New("hosted store is readonly")

// Hosted 以 afero 文件系统保存 hosted 仓库内容，目录布局为 <root>/<StorageDir>/<path>。
type Hosted struct {
	fs afero.Fs
}

// NewHosted 在 root 下构建基于操作系统文件系统的 Hosted。
func NewHosted(root string) (*Hosted, error) {
	if root == "" {
		return nil, errors.New("hosted storage path required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create hosted storage path: %w", err)
	}
	return NewHostedFs(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewHostedFs 使用给定文件系统，测试中可传入 afero.NewMemMapFs()。
func NewHostedFs(fsys afero.Fs) *Hosted {
	return &Hosted{fs: fsys}
}

// Fetch 实现 Fetcher。文件不存在或是目录时返回 ErrAbsent，其它 I/O 错误视为暂时失败。
func (h *Hosted) Fetch(ctx context.Context, s store.ArtifactStore, p string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	repo, ok := s.(*store.HostedRepository)
	if !ok {
		return nil, fmt.Errorf("hosted fetcher cannot serve %s", store.KeyOf(s))
	}
	name, err := hostedPath(repo, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbsent, err)
	}

	info, err := h.fs.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %s", ErrAbsent, repo.Key, p)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrTransient, name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s %s is a directory", ErrAbsent, repo.Key, p)
	}
	f, err := h.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %s", ErrAbsent, repo.Key, p)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransient, name, err)
	}
	return &Result{
		Body:     f,
		Size:     info.Size(),
		Location: "file://" + filepath.ToSlash(name),
		Source:   cache.SourceHosted,
	}, nil
}

// Deploy 把内容写入 hosted 仓库，先写临时文件再重命名。
func (h *Hosted) Deploy(ctx context.Context, repo *store.HostedRepository, p string, body io.Reader) (int64, error) {
	if repo.Readonly {
		return 0, fmt.Errorf("%w: %s", ErrReadonly, repo.Key)
	}
	name, err := hostedPath(repo, p)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(name)
	if err := h.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := afero.TempFile(h.fs, dir, ".deploy-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: body})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = h.fs.Remove(tmpName)
		return 0, err
	}
	if err := h.fs.Rename(tmpName, name); err != nil {
		_ = h.fs.Remove(tmpName)
		return 0, err
	}
	return written, nil
}

// Delete 删除 hosted 仓库中的文件，不存在时返回 ErrAbsent。
func (h *Hosted) Delete(ctx context.Context, repo *store.HostedRepository, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if repo.Readonly {
		return fmt.Errorf("%w: %s", ErrReadonly, repo.Key)
	}
	name, err := hostedPath(repo, p)
	if err != nil {
		return err
	}
	if err := h.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s %s", ErrAbsent, repo.Key, p)
		}
		return err
	}
	return nil
}

func hostedPath(repo *store.HostedRepository, p string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel == "" {
		return "", errors.New("empty hosted path")
	}
	dir := path.Clean("/" + repo.EffectiveStorageDir())
	return filepath.FromSlash(path.Join(dir, rel)), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
