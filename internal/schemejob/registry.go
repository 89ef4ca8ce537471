package schemejob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"netintercept/internal/logger"
	"netintercept/pkg/traffic"
)

var (
	// ErrNoHandler 协议没有注册处理方
	ErrNoHandler = errors.New("schemejob: no handler for scheme")
	// ErrReservedScheme 内置协议不能被自定义处理
	ErrReservedScheme = errors.New("schemejob: reserved scheme")
)

var reservedSchemes = map[string]struct{}{
	"http": {}, "https": {}, "data": {}, "blob": {}, "file": {}, "about": {},
}

// Handler 自定义协议处理方。RequestStarted 可以同步处置任务，也可以保存任务稍后处置
type Handler interface {
	RequestStarted(job *Job)
}

// HandlerFunc 函数适配器
type HandlerFunc func(job *Job)

func (f HandlerFunc) RequestStarted(job *Job) { f(job) }

// Registry 协议名到处理方的映射
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      logger.Logger
}

// NewRegistry 创建协议注册表
func NewRegistry(l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{handlers: make(map[string]Handler), log: l}
}

// Install 为协议安装处理方，替换已有处理方
func (r *Registry) Install(scheme string, h Handler) error {
	scheme = normalizeScheme(scheme)
	if scheme == "" {
		return fmt.Errorf("schemejob: empty scheme")
	}
	if _, ok := reservedSchemes[scheme]; ok {
		return fmt.Errorf("%w: %s", ErrReservedScheme, scheme)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[scheme] = h
	r.log.Info("安装协议处理方", "scheme", scheme)
	return nil
}

// Remove 移除协议处理方
func (r *Registry) Remove(scheme string) bool {
	scheme = normalizeScheme(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[scheme]
	delete(r.handlers, scheme)
	return ok
}

// Handles 协议是否已注册
func (r *Registry) Handles(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[normalizeScheme(scheme)]
	return ok
}

func normalizeScheme(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ":"))
}

// Schemes 返回已注册的协议列表
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Start 为请求创建任务并交给处理方
func (r *Registry) Start(req traffic.Request) (*Job, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("schemejob: parse %q: %w", req.URL, err)
	}
	r.mu.RLock()
	h, ok := r.handlers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, u.Scheme)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	job := newJob(req, r.log)
	h.RequestStarted(job)
	return job, nil
}

// Serve 创建任务并等待其结束
func (r *Registry) Serve(ctx context.Context, req traffic.Request) (Outcome, error) {
	job, err := r.Start(req)
	if err != nil {
		return Outcome{}, err
	}
	return job.Wait(ctx), nil
}
