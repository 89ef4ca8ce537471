package api

import (
	"context"

	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/internal/navigation"
	"netintercept/internal/rules"
	"netintercept/internal/schemejob"
	"netintercept/internal/service"
	"netintercept/internal/storage"
	"netintercept/pkg/domain"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止会话
	StopSession(id domain.SessionID) error

	// AttachTarget 附加目标，target 为空时选择第一个页面
	AttachTarget(id domain.SessionID, target domain.TargetID) (domain.TargetID, error)

	// DetachTarget 分离目标
	DetachTarget(id domain.SessionID, target domain.TargetID) error

	// ListTargets 列出目标
	ListTargets(id domain.SessionID) ([]domain.TargetInfo, error)

	// EnableInterception 启用拦截
	EnableInterception(id domain.SessionID) error

	// DisableInterception 禁用拦截
	DisableInterception(id domain.SessionID) error

	// SetInterceptor 在页面或全局作用域安装拦截器
	SetInterceptor(id domain.SessionID, target domain.TargetID, ic intercept.Interceptor) error

	// InstallScheme 安装自定义协议处理方
	InstallScheme(id domain.SessionID, scheme string, h schemejob.Handler) error

	// NewPage 创建页面
	NewPage(id domain.SessionID, target domain.TargetID) (*navigation.Page, error)

	// LoadRules 加载规则配置
	LoadRules(id domain.SessionID, rs rules.RuleSet) error

	// WatchRules 加载并监听规则文件
	WatchRules(id domain.SessionID, path string) error

	// GetRuleStats 获取规则统计信息
	GetRuleStats(id domain.SessionID) (domain.EngineStats, error)

	// PendingRequests 列出等待决定的请求
	PendingRequests(id domain.SessionID) ([]rules.PendingItem, error)

	// Decide 对等待中的请求作出决定
	Decide(id domain.SessionID, requestID string, dec rules.Decision) error

	// SubscribeEvents 订阅事件
	SubscribeEvents(id domain.SessionID) (<-chan domain.InterceptEvent, error)

	// QueryEvents 查询历史事件
	QueryEvents(ctx context.Context, f storage.Filter) ([]domain.InterceptEvent, error)

	// Close 停止所有会话
	Close() error
}

var _ Service = (*service.Service)(nil)

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, opts ...service.Option) Service {
	return service.New(l, opts...)
}
