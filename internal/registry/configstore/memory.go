package configstore

import (
	"context"
	"sync"

	"github.com/any-hub/repohub/internal/store"
)

// MemoryStore 是进程内实现，重启后数据丢失。
type MemoryStore struct {
	mu      sync.Mutex
	records map[store.StoreKey]Record
}

// NewMemoryStore 构造空的内存后端。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[store.StoreKey]Record)}
}

func (m *MemoryStore) Get(ctx context.Context, key store.StoreKey) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec Record, expected int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.records[rec.Key].Token
	if current != expected {
		return 0, ErrTokenMismatch
	}
	rec = copyRecord(rec)
	rec.Token = current + 1
	m.records[rec.Key] = rec
	return rec.Token, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key store.StoreKey, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Token != expected {
		return ErrTokenMismatch
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func copyRecord(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
