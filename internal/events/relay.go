// Package events relays store registry change notifications to NATS so
// external indexing and search collaborators can follow configuration changes.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/repohub/internal/registry"
)

// DefaultSubjectPrefix 是未配置时使用的主题前缀。
const DefaultSubjectPrefix = "repohub.stores"

// Publisher 是发送消息的最小接口，*nats.Conn 满足它。
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect 连接 NATS，断线与重连通过 logger 输出。
func Connect(url string, logger *logrus.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("nats url required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	fields := logrus.Fields{"action": "events"}
	opts := []nats.Option{
		nats.Name("repohub-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithFields(fields).WithError(err).Warn("nats_disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithFields(fields).WithField("url", nc.ConnectedUrl()).Info("nats_reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.WithFields(fields).Info("nats_closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject 返回事件对应的主题：<prefix>.<kind>。
func Subject(prefix string, kind registry.ChangeKind) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(kind)
}

// Relay 订阅 Registry 的变更流并逐条发布。发布失败只记录日志，不阻塞 Registry 写入。
type Relay struct {
	pub    Publisher
	prefix string
	logger *logrus.Logger

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewRelay 构造 Relay。
func NewRelay(pub Publisher, prefix string, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.New()
	}
	return &Relay{pub: pub, prefix: prefix, logger: logger}
}

// Start 以 buffer 大小订阅 reg 并启动转发协程。重复调用返回错误。
func (r *Relay) Start(reg *registry.Registry, buffer int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("relay already started")
	}
	ch, cancel := reg.Subscribe(buffer)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ch, r.done)
	return nil
}

// Stop 取消订阅并等待已接收的事件发布完成。
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Relay) loop(ch <-chan registry.ChangeEvent, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		r.publish(ev)
	}
}

func (r *Relay) publish(ev registry.ChangeEvent) {
	subject := Subject(r.prefix, ev.Kind)
	fields := logrus.Fields{
		"action":  "events",
		"subject": subject,
		"store":   ev.Key.String(),
		"event":   ev.ID.String(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("event_encode_failed")
		return
	}
	if err := r.pub.Publish(subject, data); err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("event_publish_failed")
		return
	}
	r.logger.WithFields(fields).Debug("event_published")
}
