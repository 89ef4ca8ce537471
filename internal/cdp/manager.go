package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/pkg/domain"
)

var (
	// ErrNoTarget 找不到可附加的页面
	ErrNoTarget = errors.New("cdp: no target")
	// ErrNotAttached 目标未附加
	ErrNotAttached = errors.New("cdp: target not attached")
)

// Options 浏览器连接配置
type Options struct {
	DevToolsURL    string
	Pipeline       *intercept.Pipeline
	Concurrency    int           // 并发处理数，0 表示每个事件一个 goroutine
	QueueSize      int           // 并发队列容量，满时降级放行
	ProcessTimeout time.Duration // 单个事件的处理上限
	Logger         logger.Logger
}

// fetchDomain 管理器用到的 Fetch 域方法，由 cdp.Client.Fetch 实现
type fetchDomain interface {
	Enable(context.Context, *fetch.EnableArgs) error
	Disable(context.Context) error
	RequestPaused(context.Context) (fetch.RequestPausedClient, error)
	ContinueRequest(context.Context, *fetch.ContinueRequestArgs) error
	FailRequest(context.Context, *fetch.FailRequestArgs) error
	FulfillRequest(context.Context, *fetch.FulfillRequestArgs) error
}

// consumer 一个目标上正在运行的拦截事件消费协程
type consumer struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type targetSession struct {
	id        domain.TargetID
	conn      *rpcc.Conn
	client    *cdp.Client
	fetch     fetchDomain
	ctx       context.Context
	cancel    context.CancelFunc
	mainFrame string

	mu         sync.RWMutex
	firstParty string

	// 每个目标最多一个消费者，否则每个暂停事件会被分发多次
	consumeMu sync.Mutex
	consumer  *consumer
}

func (ts *targetSession) frameContext() (string, string) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.mainFrame, ts.firstParty
}

func (ts *targetSession) setFirstParty(u string) {
	ts.mu.Lock()
	ts.firstParty = u
	ts.mu.Unlock()
}

// Manager 通过 DevTools 协议把浏览器的请求接入拦截管线
type Manager struct {
	devtoolsURL    string
	pipeline       *intercept.Pipeline
	processTimeout time.Duration
	pool           *workerPool
	log            logger.Logger

	enabled   atomic.Bool
	targetsMu sync.Mutex
	targets   map[domain.TargetID]*targetSession
}

// New 创建管理器
func New(opts Options) *Manager {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	to := opts.ProcessTimeout
	if to <= 0 {
		to = 3 * time.Second
	}
	m := &Manager{
		devtoolsURL:    opts.DevToolsURL,
		pipeline:       opts.Pipeline,
		processTimeout: to,
		log:            l,
		targets:        make(map[domain.TargetID]*targetSession),
	}
	if opts.Concurrency > 0 {
		m.pool = newWorkerPool(opts.Concurrency, opts.QueueSize, l)
	}
	return m
}

// ListTargets 列出浏览器中的页面
func (m *Manager) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	dt := devtool.New(m.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[domain.TargetID(t.ID)]
		out = append(out, domain.TargetInfo{
			ID:        domain.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
			IsUser:    isUserPage(t.URL),
		})
	}
	return out, nil
}

// AttachTarget 附加到指定页面，id 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, id domain.TargetID) (domain.TargetID, error) {
	dt := devtool.New(m.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if id == "" || t.ID == string(id) {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", fmt.Errorf("%w: %q", ErrNoTarget, id)
	}
	tid := domain.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[tid]; ok {
		m.targetsMu.Unlock()
		return tid, nil
	}
	m.targetsMu.Unlock()

	sctx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return "", fmt.Errorf("dial target: %w", err)
	}
	ts := &targetSession{
		id:         tid,
		conn:       conn,
		client:     cdp.NewClient(conn),
		ctx:        sctx,
		cancel:     cancel,
		firstParty: sel.URL,
	}
	ts.fetch = ts.client.Fetch
	if tree, err := ts.client.Page.GetFrameTree(ctx); err == nil {
		ts.mainFrame = string(tree.FrameTree.Frame.ID)
		ts.firstParty = tree.FrameTree.Frame.URL
	} else {
		m.log.Warn("获取主框架失败，文档请求将按子框架处理", "target", string(tid), "error", err)
	}

	m.targetsMu.Lock()
	m.targets[tid] = ts
	m.targetsMu.Unlock()
	m.log.Info("已附加目标", "target", string(tid), "url", sel.URL)

	if m.isEnabled() {
		if err := m.enableTarget(ts); err != nil {
			_ = m.DetachTarget(tid)
			return "", err
		}
	}
	return tid, nil
}

// DetachTarget 断开页面
func (m *Manager) DetachTarget(id domain.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	delete(m.targets, id)
	m.targetsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, id)
	}
	m.closeTargetSession(ts)
	m.log.Info("已断开目标", "target", string(id))
	return nil
}

// Enable 为所有已附加的页面开启请求拦截
func (m *Manager) Enable() error {
	m.enabled.Store(true)
	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		sessions = append(sessions, ts)
	}
	m.targetsMu.Unlock()

	var errs []error
	for _, ts := range sessions {
		if err := m.enableTarget(ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disable 关闭请求拦截
func (m *Manager) Disable(ctx context.Context) error {
	m.enabled.Store(false)
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	var errs []error
	for _, ts := range m.targets {
		m.stopConsumer(ts)
		if err := ts.fetch.Disable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disable %s: %w", ts.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close 断开所有页面并停止工作池
func (m *Manager) Close() error {
	m.enabled.Store(false)
	m.targetsMu.Lock()
	for id, ts := range m.targets {
		m.closeTargetSession(ts)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()
	if m.pool != nil {
		m.pool.stop()
	}
	return nil
}

func (m *Manager) isEnabled() bool { return m.enabled.Load() }

func (m *Manager) enableTarget(ts *targetSession) error {
	p := "*"
	err := ts.fetch.Enable(ts.ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}},
	})
	if err != nil {
		return fmt.Errorf("enable fetch on %s: %w", ts.id, err)
	}
	if m.startConsumer(ts) {
		m.log.Info("已开启请求拦截", "target", string(ts.id))
	} else {
		m.log.Debug("目标已在消费拦截事件", "target", string(ts.id))
	}
	return nil
}

// startConsumer 目标上没有消费者时启动一个，返回是否新启动
func (m *Manager) startConsumer(ts *targetSession) bool {
	ts.consumeMu.Lock()
	defer ts.consumeMu.Unlock()
	if ts.consumer != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ts.ctx)
	c := &consumer{ctx: ctx, cancel: cancel}
	ts.consumer = c
	go m.consume(ts, c)
	return true
}

// stopConsumer 取消目标上的消费者，其事件流随上下文关闭
func (m *Manager) stopConsumer(ts *targetSession) {
	ts.consumeMu.Lock()
	defer ts.consumeMu.Unlock()
	if ts.consumer != nil {
		ts.consumer.cancel()
		ts.consumer = nil
	}
}

// consumerExited 消费协程退出时清理登记，只清理自己的登记
func (m *Manager) consumerExited(ts *targetSession, c *consumer) {
	c.cancel()
	ts.consumeMu.Lock()
	if ts.consumer == c {
		ts.consumer = nil
	}
	ts.consumeMu.Unlock()
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if ts.conn == nil {
		return
	}
	if err := ts.conn.Close(); err != nil {
		m.log.Debug("关闭连接出错", "target", string(ts.id), "error", err)
	}
}

func isUserPage(u string) bool {
	for _, p := range []string{"devtools://", "chrome://", "chrome-extension://", "edge://"} {
		if len(u) >= len(p) && u[:len(p)] == p {
			return false
		}
	}
	return true
}
