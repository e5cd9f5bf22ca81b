// Package pathindex remembers which concrete store satisfied a previous
// resolution of (requesting store, path), so repeated requests against a group
// skip the candidate walk. Entries record the revisions they were computed
// against and are rejected once either the requesting store or the origin has
// moved on; registry change events evict them eagerly.
package pathindex

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/any-hub/repohub/internal/registry"
	"github.com/any-hub/repohub/internal/store"
)

// DefaultMaxEntries 是未配置容量时的上限。
const DefaultMaxEntries = 100000

// Entry 是一条解析记录。
type Entry struct {
	Store          store.StoreKey `json:"store"`
	Path           string         `json:"path"`
	Origin         store.StoreKey `json:"origin"`
	Location       string         `json:"location"`
	StoreRevision  int64          `json:"store_revision"`
	OriginRevision int64          `json:"origin_revision"`
	IndexedAt      time.Time      `json:"indexed_at"`
}

type indexKey struct {
	store store.StoreKey
	path  string
}

// RevisionFunc 返回仓库当前修订号，仓库不存在时第二个返回值为 false。
type RevisionFunc func(store.StoreKey) (int64, bool)

// Index 是带容量上限的路径索引，并按来源与请求仓库维护二级索引以便批量失效。
type Index struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[indexKey, *Entry]
	byOrigin map[store.StoreKey]map[indexKey]struct{}
	byStore  map[store.StoreKey]map[indexKey]struct{}
	now      func() time.Time
}

// New 构造索引，maxEntries 小于等于 0 时使用默认容量。
func New(maxEntries int) (*Index, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	idx := &Index{
		byOrigin: make(map[store.StoreKey]map[indexKey]struct{}),
		byStore:  make(map[store.StoreKey]map[indexKey]struct{}),
		now:      time.Now,
	}
	lru, err := simplelru.NewLRU[indexKey, *Entry](maxEntries, idx.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create path index: %w", err)
	}
	idx.entries = lru
	return idx, nil
}

// Len 返回当前条目数。
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entries.Len()
}

// Lookup 返回仍然有效的索引记录。请求仓库或来源仓库的修订号变化、
// 或来源已被删除时，记录被移除并返回 false。
func (i *Index) Lookup(requested store.StoreKey, path string, revisionOf RevisionFunc) (Entry, bool) {
	k := indexKey{store: requested, path: path}

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries.Get(k)
	if !ok {
		return Entry{}, false
	}
	if revisionOf != nil {
		storeRev, storeOK := revisionOf(e.Store)
		originRev, originOK := revisionOf(e.Origin)
		if !storeOK || !originOK || storeRev != e.StoreRevision || originRev != e.OriginRevision {
			i.entries.Remove(k)
			return Entry{}, false
		}
	}
	return *e, true
}

// Put 写入或覆盖一条记录，IndexedAt 为空时自动填充。
func (i *Index) Put(e Entry) {
	if e.IndexedAt.IsZero() {
		e.IndexedAt = i.now().UTC()
	}
	k := indexKey{store: e.Store, path: e.Path}

	i.mu.Lock()
	defer i.mu.Unlock()

	if prev, ok := i.entries.Peek(k); ok && prev.Origin != e.Origin {
		unlink(i.byOrigin, prev.Origin, k)
	}
	i.entries.Add(k, &e)
	link(i.byOrigin, e.Origin, k)
	link(i.byStore, e.Store, k)
}

// InvalidatePath 移除单条记录。
func (i *Index) InvalidatePath(requested store.StoreKey, path string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entries.Remove(indexKey{store: requested, path: path})
}

// InvalidateOrigin 移除所有以 origin 为来源的记录，返回移除数量。
func (i *Index) InvalidateOrigin(origin store.StoreKey) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removeAll(i.byOrigin[origin])
}

// InvalidateStore 移除所有以 requested 为请求仓库的记录，返回移除数量。
func (i *Index) InvalidateStore(requested store.StoreKey) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removeAll(i.byStore[requested])
}

// Invalidate 同时按来源与请求仓库失效 key 相关的全部记录。
func (i *Index) Invalidate(key store.StoreKey) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removeAll(i.byOrigin[key]) + i.removeAll(i.byStore[key])
}

// Listener 返回用于 Registry.OnChange 的监听器。任意变更都会失效该仓库作为来源或请求方的记录；
// 对解析有影响的变更还会失效包含它的所有组，因为成员顺序或可用性可能改变了命中结果。
func (i *Index) Listener(containers func(store.StoreKey) []store.StoreKey) registry.Listener {
	return func(ev registry.ChangeEvent) {
		i.Invalidate(ev.Key)
		if !ev.Material || containers == nil {
			return
		}
		for _, group := range containers(ev.Key) {
			i.InvalidateStore(group)
		}
	}
}

// removeAll 调用方需持有 mu。set 会在 onEvict 中被修改，因此先拷贝键。
func (i *Index) removeAll(set map[indexKey]struct{}) int {
	if len(set) == 0 {
		return 0
	}
	keys := make([]indexKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	var removed int
	for _, k := range keys {
		if i.entries.Remove(k) {
			removed++
		}
	}
	return removed
}

func (i *Index) onEvict(k indexKey, e *Entry) {
	unlink(i.byOrigin, e.Origin, k)
	unlink(i.byStore, e.Store, k)
}

func link(m map[store.StoreKey]map[indexKey]struct{}, owner store.StoreKey, k indexKey) {
	set := m[owner]
	if set == nil {
		set = make(map[indexKey]struct{})
		m[owner] = set
	}
	set[k] = struct{}{}
}

func unlink(m map[store.StoreKey]map[indexKey]struct{}, owner store.StoreKey, k indexKey) {
	set := m[owner]
	if set == nil {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		delete(m, owner)
	}
}
