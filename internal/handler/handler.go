// Package handler 把管线的分发结果转换为事件，并分发给订阅者、存储和指标。
package handler

import (
	"sync"
	"sync/atomic"

	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

const defaultCapacity = 256

// Handler 事件处理器，负责生成事件并发送给订阅者
type Handler struct {
	session  domain.SessionID
	capacity int
	log      logger.Logger

	mu     sync.RWMutex
	subs   map[int]chan domain.InterceptEvent
	nextID int
	sinks  []intercept.Observer
	closed bool

	dropped atomic.Int64
}

// Config 配置选项
type Config struct {
	Session  domain.SessionID
	Capacity int // 每个订阅通道的缓冲
	Sinks    []intercept.Observer
	Logger   logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Handler{
		session:  cfg.Session,
		capacity: capacity,
		log:      l,
		subs:     make(map[int]chan domain.InterceptEvent),
		sinks:    cfg.Sinks,
	}
}

var _ intercept.Observer = (*Handler)(nil)

// AddSink 追加一个结果观察者（存储、指标）
func (h *Handler) AddSink(o intercept.Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, o)
	h.mu.Unlock()
}

// Subscribe 订阅事件流，返回的 cancel 关闭通道
func (h *Handler) Subscribe() (<-chan domain.InterceptEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan domain.InterceptEvent, h.capacity)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Handler) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers 当前订阅数
func (h *Handler) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Observe 在分发完成后由管线调用
func (h *Handler) Observe(req traffic.Request, res intercept.Result) {
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	for _, s := range sinks {
		s.Observe(req, res)
	}
	h.Emit(res.Event(h.session, req))
}

// Emit 非阻塞地把事件发送给所有订阅者，通道满时丢弃
func (h *Handler) Emit(evt domain.InterceptEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
			h.log.Warn("事件订阅通道已满，丢弃事件", "subscriber", id, "url", evt.URL)
		}
	}
}

// Dropped 因订阅通道已满而丢弃的事件数
func (h *Handler) Dropped() int64 { return h.dropped.Load() }

// Close 关闭所有订阅通道
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
