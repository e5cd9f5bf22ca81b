package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/repohub/internal/store"
)

// ChangeKind 标识变更类型。
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent 在每次成功的 Put/Remove 之后发布。
// Material 为 true 表示影响解析结果的配置发生了变化，路径索引与内容缓存需要失效。
type ChangeEvent struct {
	ID          uuid.UUID      `json:"id"`
	Key         store.StoreKey `json:"key"`
	Kind        ChangeKind     `json:"kind"`
	OldRevision int64          `json:"old_revision"`
	NewRevision int64          `json:"new_revision"`
	Material    bool           `json:"material"`
	At          time.Time      `json:"at"`
}

// Listener 在写锁内同步执行，返回前失效逻辑已经完成。
// Listener 不得回调 Registry 的写方法。
type Listener func(ChangeEvent)

type subscriber struct {
	ch chan ChangeEvent
}

// Subscribe 返回一个带缓冲的变更通道以及取消函数。
// 通道写满时事件被丢弃并记录警告，慢消费者不会阻塞写入。
func (r *Registry) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan ChangeEvent, buffer)}

	r.subMu.Lock()
	r.subs[sub] = struct{}{}
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subs[sub]; ok {
			delete(r.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// OnChange 注册同步监听器，应在组装阶段调用。
func (r *Registry) OnChange(fn Listener) {
	if fn == nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// publish 调用方需持有 writeMu。
func (r *Registry) publish(ev ChangeEvent) {
	for _, fn := range r.listeners {
		fn(ev)
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			r.logger.WithFields(logrusFields(ev)).Warn("change_event_dropped")
		}
	}
}

func (r *Registry) newEvent(key store.StoreKey, kind ChangeKind, oldRev, newRev int64, material bool) ChangeEvent {
	return ChangeEvent{
		ID:          uuid.New(),
		Key:         key,
		Kind:        kind,
		OldRevision: oldRev,
		NewRevision: newRev,
		Material:    material,
		At:          r.now().UTC(),
	}
}
