package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"netintercept/internal/cdp"
	"netintercept/internal/fullscreen"
	"netintercept/internal/handler"
	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/internal/metrics"
	"netintercept/internal/navigation"
	"netintercept/internal/network"
	"netintercept/internal/rules"
	"netintercept/internal/schemejob"
	"netintercept/pkg/domain"
)

var (
	// ErrNoBrowser 会话没有配置 DevTools 地址
	ErrNoBrowser = errors.New("session: no browser configured")
	// ErrPageNotFound 页面不存在
	ErrPageNotFound = errors.New("session: page not found")
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session: closed")
)

// Options 会话依赖
type Options struct {
	Config  domain.SessionConfig
	Sinks   []intercept.Observer // 结果观察者，例如事件存储
	Metrics *metrics.Metrics     // 可选
	Logger  logger.Logger
}

// Session 一次拦截会话：一个管线及其作用域、自定义协议、规则引擎、页面和浏览器连接
type Session struct {
	id      domain.SessionID
	cfg     domain.SessionConfig
	log     logger.Logger
	metrics *metrics.Metrics

	pipeline *intercept.Pipeline
	events   *handler.Handler
	schemes  *schemejob.Registry
	network  *network.Network
	engine   *rules.Engine
	rulesIC  *rules.Interceptor
	browser  *cdp.Manager

	mu      sync.Mutex
	pages   map[domain.TargetID]*navigation.Page
	watcher *rules.Watcher
	closed  bool
}

// New 创建会话
func New(id domain.SessionID, opts Options) *Session {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	l = l.With("session", string(id))
	cfg := withDefaults(opts.Config)

	events := handler.New(handler.Config{
		Session:  id,
		Capacity: cfg.EventCapacity,
		Sinks:    opts.Sinks,
		Logger:   l,
	})
	if opts.Metrics != nil {
		events.AddSink(opts.Metrics)
	}
	pipeline := intercept.NewPipeline(intercept.Options{
		Bypass:       intercept.NewBypassPolicy(cfg.BypassSchemes...),
		DeferTimeout: time.Duration(cfg.DeferTimeoutMS) * time.Millisecond,
		Strict:       cfg.Strict,
		Observers:    []intercept.Observer{events},
		Logger:       l,
	})
	schemes := schemejob.NewRegistry(l)
	engine := rules.New(rules.RuleSet{})

	s := &Session{
		id:       id,
		cfg:      cfg,
		log:      l,
		metrics:  opts.Metrics,
		pipeline: pipeline,
		events:   events,
		schemes:  schemes,
		network:  network.New(network.Options{Schemes: schemes, Logger: l}),
		engine:   engine,
		rulesIC:  rules.NewInterceptor(engine, l),
		pages:    make(map[domain.TargetID]*navigation.Page),
	}
	if cfg.DevToolsURL != "" {
		s.browser = cdp.New(cdp.Options{
			DevToolsURL:    cfg.DevToolsURL,
			Pipeline:       pipeline,
			Concurrency:    cfg.Concurrency,
			ProcessTimeout: time.Duration(cfg.ProcessTimeoutMS) * time.Millisecond,
			Logger:         l,
		})
	}
	if opts.Metrics != nil {
		opts.Metrics.SessionStarted()
	}
	l.Info("会话已创建", "devtools", cfg.DevToolsURL, "strict", cfg.Strict, "bypass", cfg.BypassSchemes)
	return s
}

func withDefaults(cfg domain.SessionConfig) domain.SessionConfig {
	if cfg.ProcessTimeoutMS <= 0 {
		cfg.ProcessTimeoutMS = 3000
	}
	if cfg.DeferTimeoutMS <= 0 {
		cfg.DeferTimeoutMS = cfg.ProcessTimeoutMS
	}
	if cfg.BypassSchemes == nil {
		cfg.BypassSchemes = intercept.DefaultBypassSchemes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 20
	}
	return cfg
}

func (s *Session) ID() domain.SessionID          { return s.id }
func (s *Session) Config() domain.SessionConfig  { return s.cfg }
func (s *Session) Pipeline() *intercept.Pipeline { return s.pipeline }
func (s *Session) Events() *handler.Handler      { return s.events }
func (s *Session) Schemes() *schemejob.Registry  { return s.schemes }
func (s *Session) Engine() *rules.Engine         { return s.engine }

// RulesInterceptor 规则引擎对应的拦截器
func (s *Session) RulesInterceptor() *rules.Interceptor { return s.rulesIC }

// SetInterceptor 在作用域上安装拦截器，nil 表示移除，返回被替换的拦截器
func (s *Session) SetInterceptor(scope intercept.Scope, ic intercept.Interceptor) intercept.Interceptor {
	return s.pipeline.Register(scope, ic)
}

// LoadRules 替换规则并把规则引擎安装为全局拦截器
func (s *Session) LoadRules(rs rules.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	s.engine.Update(rs)
	s.pipeline.Register(intercept.Global, s.rulesIC)
	s.log.Info("规则已加载", "rules", len(rs.Rules))
	return nil
}

// WatchRules 从文件加载规则并在文件变化时重新加载
func (s *Session) WatchRules(path string) error {
	w, err := rules.Watch(path, s.engine, s.log)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		w.OnReload(func(_ rules.RuleSet, err error) { s.metrics.RecordRuleReload(err) })
	}
	s.mu.Lock()
	prev := s.watcher
	s.watcher = w
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	s.pipeline.Register(intercept.Global, s.rulesIC)
	return nil
}

// InstallScheme 为自定义协议安装处理方
func (s *Session) InstallScheme(scheme string, h schemejob.Handler) error {
	if s.metrics != nil {
		inner := h
		h = schemejob.HandlerFunc(func(job *schemejob.Job) {
			inner.RequestStarted(job)
			go func() {
				<-job.Done()
				s.metrics.RecordSchemeJob(scheme, job.State().String())
			}()
		})
	}
	return s.schemes.Install(scheme, h)
}

// NewPage 创建一个页面，id 为空时自动生成
func (s *Session) NewPage(id domain.TargetID) (*navigation.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if id != "" {
		if _, ok := s.pages[id]; ok {
			return nil, fmt.Errorf("session: page %s already exists", id)
		}
	}
	p := navigation.New(navigation.Options{
		ID:           id,
		Pipeline:     s.pipeline,
		Network:      s.network,
		MaxRedirects: s.cfg.MaxRedirects,
		Logger:       s.log,
	})
	s.pages[p.ID()] = p
	return p, nil
}

// Page 按标识查找页面
func (s *Session) Page(id domain.TargetID) (*navigation.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	return p, nil
}

// ClosePage 关闭页面并移除其页面级拦截器
func (s *Session) ClosePage(id domain.TargetID) error {
	s.mu.Lock()
	p, ok := s.pages[id]
	delete(s.pages, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	s.pipeline.Unregister(p.Scope())
	return nil
}

// RequestFullScreen 页面内容请求切换全屏
func (s *Session) RequestFullScreen(id domain.TargetID, toggleOn bool) (*fullscreen.Request, error) {
	p, err := s.Page(id)
	if err != nil {
		return nil, err
	}
	r := p.RequestFullScreen(toggleOn)
	if s.metrics != nil && r.Resolved() {
		s.metrics.RecordFullScreen(toggleOn, p.FullScreen().IsFullScreen() == toggleOn)
	}
	return r, nil
}

// ListTargets 列出浏览器页面
func (s *Session) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	if s.browser == nil {
		return nil, ErrNoBrowser
	}
	return s.browser.ListTargets(ctx)
}

// AttachTarget 附加浏览器页面，target 为空时选择第一个页面
func (s *Session) AttachTarget(ctx context.Context, target domain.TargetID) (domain.TargetID, error) {
	if s.browser == nil {
		return "", ErrNoBrowser
	}
	return s.browser.AttachTarget(ctx, target)
}

// DetachTarget 断开浏览器页面
func (s *Session) DetachTarget(target domain.TargetID) error {
	if s.browser == nil {
		return ErrNoBrowser
	}
	return s.browser.DetachTarget(target)
}

// EnableInterception 开启浏览器请求拦截
func (s *Session) EnableInterception() error {
	if s.browser == nil {
		return ErrNoBrowser
	}
	return s.browser.Enable()
}

// DisableInterception 关闭浏览器请求拦截
func (s *Session) DisableInterception(ctx context.Context) error {
	if s.browser == nil {
		return ErrNoBrowser
	}
	return s.browser.Disable(ctx)
}

// Close 释放会话持有的全部资源
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.watcher
	s.watcher = nil
	pages := s.pages
	s.pages = make(map[domain.TargetID]*navigation.Page)
	s.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	for _, p := range pages {
		s.pipeline.Unregister(p.Scope())
	}
	s.pipeline.Unregister(intercept.Global)
	s.events.Close()
	if s.metrics != nil {
		s.metrics.SessionStopped()
	}
	s.log.Info("会话已关闭")
	return errors.Join(errs...)
}
