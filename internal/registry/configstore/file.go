package configstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/any-hub/repohub/internal/store"
)

// FileStore 将每个仓库写为 <dir>/<type>/<name>.yaml，写入采用临时文件 + rename。
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// fileEnvelope 是磁盘上的 YAML 结构，store 字段保持可读的仓库定义。
type fileEnvelope struct {
	Token int64     `yaml:"token"`
	Store yaml.Node `yaml:"store"`
}

// NewFileStore 以 dir 为根目录构建文件后端，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("config store dir required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve config store dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create config store dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

func (f *FileStore) Get(ctx context.Context, key store.StoreKey) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(f.recordPath(key))
}

func (f *FileStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Record
	for _, t := range store.Types() {
		entries, err := os.ReadDir(filepath.Join(f.dir, string(t)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
				continue
			}
			rec, err := f.read(filepath.Join(f.dir, string(t), entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *FileStore) Put(ctx context.Context, rec Record, expected int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := store.Unmarshal(rec.Data)
	if err != nil {
		return 0, err
	}
	if store.KeyOf(s) != rec.Key {
		return 0, fmt.Errorf("record key %s does not match payload key %s", rec.Key, store.KeyOf(s))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.recordPath(rec.Key)
	var current int64
	existing, err := f.read(target)
	switch {
	case err == nil:
		current = existing.Token
	case errors.Is(err, ErrRecordNotFound):
	default:
		return 0, err
	}
	if current != expected {
		return 0, ErrTokenMismatch
	}

	env := fileEnvelope{Token: current + 1}
	if err := env.Store.Encode(s); err != nil {
		return 0, fmt.Errorf("encode store: %w", err)
	}
	payload, err := yaml.Marshal(&env)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	if err := writeAtomic(target, payload); err != nil {
		return 0, err
	}
	return env.Token, nil
}

func (f *FileStore) Delete(ctx context.Context, key store.StoreKey, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.recordPath(key)
	existing, err := f.read(target)
	if err != nil {
		return err
	}
	if existing.Token != expected {
		return ErrTokenMismatch
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) recordPath(key store.StoreKey) string {
	return filepath.Join(f.dir, string(key.Type), key.Name+".yaml")
}

func (f *FileStore) read(path string) (Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	var env fileEnvelope
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	s, err := decodeYAMLStore(&env.Store)
	if err != nil {
		return Record{}, err
	}
	data, err := store.Marshal(s)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: store.KeyOf(s), Token: env.Token, Data: data}, nil
}

func decodeYAMLStore(node *yaml.Node) (store.ArtifactStore, error) {
	var probe struct {
		Key store.StoreKey `yaml:"key"`
	}
	if err := node.Decode(&probe); err != nil {
		return nil, fmt.Errorf("decode store key: %w", err)
	}
	var target store.ArtifactStore
	switch probe.Key.Type {
	case store.TypeHosted:
		target = &store.HostedRepository{}
	case store.TypeRemote:
		target = &store.RemoteRepository{}
	case store.TypeGroup:
		target = &store.Group{}
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", store.ErrInvalid, probe.Key.Type)
	}
	if err := node.Decode(target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Key, err)
	}
	return target, nil
}

func writeAtomic(target string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".store-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(payload)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
