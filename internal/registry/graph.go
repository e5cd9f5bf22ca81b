package registry

import (
	"slices"

	"github.com/any-hub/repohub/internal/store"
)

// ValidateMembers 从 root 开始深度优先遍历成员图，遇到当前路径上已出现的 key 立即返回 *CycleError。
// 悬空成员视为叶子节点。
func ValidateMembers(root store.StoreKey, lookup func(store.StoreKey) (store.ArtifactStore, bool)) error {
	onPath := make(map[store.StoreKey]int)
	done := make(map[store.StoreKey]bool)
	var path []store.StoreKey

	var visit func(store.StoreKey) error
	visit = func(key store.StoreKey) error {
		if idx, ok := onPath[key]; ok {
			cycle := append(slices.Clone(path[idx:]), key)
			return &CycleError{Path: cycle}
		}
		if done[key] {
			return nil
		}
		s, ok := lookup(key)
		if !ok {
			return nil
		}
		g, ok := s.(*store.Group)
		if !ok {
			done[key] = true
			return nil
		}
		onPath[key] = len(path)
		path = append(path, key)
		for _, m := range g.Members {
			if err := visit(m); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		delete(onPath, key)
		done[key] = true
		return nil
	}
	return visit(root)
}

// MembershipClosure 深度优先展开组成员，保留首次出现的顺序并去重。
// 结果包含嵌套组自身的 key，悬空成员被跳过；对非组仓库返回 nil。
// 即使持久化数据中存在环也不会失败，访问集合会截断它。
func (r *Registry) MembershipClosure(key store.StoreKey) []store.StoreKey {
	snap := r.snap.Load()
	var out []store.StoreKey
	walk(snap, key, nil, func(c Candidate) {
		out = append(out, store.KeyOf(c.Store))
	}, true)
	return out
}

// Candidates 返回解析 key 时需要依次尝试的具体仓库（hosted/remote）。
// key 本身不是组时结果只包含它自己。eligible 返回 false 的仓库被跳过，
// 若被跳过的是组，则其子树也不会展开。eligible 为 nil 时全部放行。
func (r *Registry) Candidates(key store.StoreKey, eligible func(Candidate) bool) []Candidate {
	snap := r.snap.Load()
	e, ok := snap.entries[key]
	if !ok {
		return nil
	}
	if _, isGroup := e.store.(*store.Group); !isGroup {
		c := Candidate{Store: e.store, Filter: e.filter}
		if eligible != nil && !eligible(c) {
			return nil
		}
		return []Candidate{c}
	}
	var out []Candidate
	walk(snap, key, eligible, func(c Candidate) {
		if _, isGroup := c.Store.(*store.Group); !isGroup {
			out = append(out, c)
		}
	}, false)
	return out
}

// walk 以先序遍历 root 的成员。includeGroups 为 true 时嵌套组也会传给 emit。
func walk(snap *snapshot, root store.StoreKey, eligible func(Candidate) bool, emit func(Candidate), includeGroups bool) {
	rootEntry, ok := snap.entries[root]
	if !ok {
		return
	}
	if _, isGroup := rootEntry.store.(*store.Group); !isGroup {
		return
	}
	visited := map[store.StoreKey]bool{root: true}

	var visit func(g *store.Group)
	visit = func(g *store.Group) {
		for _, m := range g.Members {
			if visited[m] {
				continue
			}
			visited[m] = true
			e, ok := snap.entries[m]
			if !ok {
				continue
			}
			c := Candidate{Store: e.store, Filter: e.filter}
			if eligible != nil && !eligible(c) {
				continue
			}
			nested, isGroup := e.store.(*store.Group)
			if !isGroup || includeGroups {
				emit(c)
			}
			if isGroup {
				visit(nested)
			}
		}
	}
	visit(rootEntry.store.(*store.Group))
}

// Containers 返回成员闭包中包含 key 的全部组，按 key 排序。
func (r *Registry) Containers(key store.StoreKey) []store.StoreKey {
	snap := r.snap.Load()
	parents := make(map[store.StoreKey][]store.StoreKey)
	for gk, e := range snap.entries {
		g, ok := e.store.(*store.Group)
		if !ok {
			continue
		}
		for _, m := range g.Members {
			parents[m] = append(parents[m], gk)
		}
	}

	seen := make(map[store.StoreKey]bool)
	queue := []store.StoreKey{key}
	var out []store.StoreKey
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range parents[cur] {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	slices.SortFunc(out, store.StoreKey.Compare)
	return out
}

// ValidateReferences 列出组成员中指向不存在仓库的引用。
func (r *Registry) ValidateReferences() []OrphanReference {
	snap := r.snap.Load()
	var out []OrphanReference
	for gk, e := range snap.entries {
		g, ok := e.store.(*store.Group)
		if !ok {
			continue
		}
		for _, m := range g.Members {
			if _, exists := snap.entries[m]; !exists {
				out = append(out, OrphanReference{Group: gk, Member: m})
			}
		}
	}
	slices.SortFunc(out, func(a, b OrphanReference) int {
		if c := a.Group.Compare(b.Group); c != 0 {
			return c
		}
		return a.Member.Compare(b.Member)
	})
	return out
}
