// Package service 实现对外的会话服务：管理会话生命周期，并把调用转发到对应会话。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/internal/metrics"
	"netintercept/internal/navigation"
	"netintercept/internal/rules"
	"netintercept/internal/schemejob"
	"netintercept/internal/session"
	"netintercept/internal/storage"
	"netintercept/pkg/domain"
)

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("service: session not found")
	// ErrNoStore 未配置事件存储
	ErrNoStore = errors.New("service: event store not configured")
)

const browserTimeout = 10 * time.Second

// Option 服务可选依赖
type Option func(*Service)

// WithStore 把所有会话的事件写入存储
func WithStore(st *storage.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithMetrics 记录所有会话的指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service 服务实现
type Service struct {
	sessions *session.Manager
	store    *storage.Store
	metrics  *metrics.Metrics
	log      logger.Logger
}

// New 创建服务
func New(l logger.Logger, opts ...Option) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{sessions: session.NewManager(l), log: l}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) get(id domain.SessionID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// StartSession 启动会话
func (s *Service) StartSession(cfg domain.SessionConfig) (domain.SessionID, error) {
	id := domain.SessionID(uuid.NewString())
	opts := session.Options{Config: cfg, Metrics: s.metrics, Logger: s.log}
	if s.store != nil {
		opts.Sinks = append(opts.Sinks, s.store.ForSession(id))
	}
	if _, err := s.sessions.Create(id, opts); err != nil {
		return "", err
	}
	return id, nil
}

// StopSession 停止会话，关闭其事件订阅
func (s *Service) StopSession(id domain.SessionID) error {
	if _, err := s.get(id); err != nil {
		return err
	}
	return s.sessions.Delete(id)
}

// AttachTarget 附加浏览器页面，target 为空时选择第一个页面
func (s *Service) AttachTarget(id domain.SessionID, target domain.TargetID) (domain.TargetID, error) {
	sess, err := s.get(id)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), browserTimeout)
	defer cancel()
	return sess.AttachTarget(ctx, target)
}

// DetachTarget 分离浏览器页面
func (s *Service) DetachTarget(id domain.SessionID, target domain.TargetID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.DetachTarget(target)
}

// ListTargets 列出浏览器页面
func (s *Service) ListTargets(id domain.SessionID) ([]domain.TargetInfo, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), browserTimeout)
	defer cancel()
	return sess.ListTargets(ctx)
}

// EnableInterception 启用浏览器请求拦截
func (s *Service) EnableInterception(id domain.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.EnableInterception()
}

// DisableInterception 禁用浏览器请求拦截
func (s *Service) DisableInterception(id domain.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), browserTimeout)
	defer cancel()
	return sess.DisableInterception(ctx)
}

// SetInterceptor 安装拦截器，target 为空时安装到全局作用域，ic 为 nil 时移除
func (s *Service) SetInterceptor(id domain.SessionID, target domain.TargetID, ic intercept.Interceptor) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.SetInterceptor(intercept.SurfaceScope(target), ic)
	return nil
}

// InstallScheme 为会话安装自定义协议处理方
func (s *Service) InstallScheme(id domain.SessionID, scheme string, h schemejob.Handler) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.InstallScheme(scheme, h)
}

// NewPage 在会话中创建页面
func (s *Service) NewPage(id domain.SessionID, target domain.TargetID) (*navigation.Page, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.NewPage(target)
}

// LoadRules 加载规则配置
func (s *Service) LoadRules(id domain.SessionID, rs rules.RuleSet) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.LoadRules(rs)
}

// WatchRules 从文件加载规则并监听变化
func (s *Service) WatchRules(id domain.SessionID, path string) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.WatchRules(path)
}

// GetRuleStats 获取规则统计信息
func (s *Service) GetRuleStats(id domain.SessionID) (domain.EngineStats, error) {
	sess, err := s.get(id)
	if err != nil {
		return domain.EngineStats{}, err
	}
	return sess.Engine().Stats(), nil
}

// PendingRequests 列出等待决定的请求
func (s *Service) PendingRequests(id domain.SessionID) ([]rules.PendingItem, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Engine().Pending(), nil
}

// Decide 对等待中的请求作出决定
func (s *Service) Decide(id domain.SessionID, requestID string, dec rules.Decision) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	return sess.Engine().Decide(requestID, dec)
}

// SubscribeEvents 订阅事件，会话停止时通道关闭
func (s *Service) SubscribeEvents(id domain.SessionID) (<-chan domain.InterceptEvent, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	ch, _ := sess.Events().Subscribe()
	return ch, nil
}

// QueryEvents 查询已持久化的事件
func (s *Service) QueryEvents(ctx context.Context, f storage.Filter) ([]domain.InterceptEvent, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	if err := s.store.Flush(ctx); err != nil {
		return nil, err
	}
	recs, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.InterceptEvent, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].Event())
	}
	return out, nil
}

// Close 停止所有会话
func (s *Service) Close() error {
	return s.sessions.CloseAll()
}
