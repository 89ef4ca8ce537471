package intercept

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

const defaultDeferTimeout = 3 * time.Second

// Options 拦截管线配置
type Options struct {
	Registry     *Registry
	Bypass       BypassPolicy
	DeferTimeout time.Duration // 延迟决策的超时，超时后阻止请求
	Strict       bool          // 误用时 Dispatch 返回错误
	Observers    []Observer
	Logger       logger.Logger
}

// Pipeline 拦截管线：把每个出站请求同步交给适用的拦截器并归约为单一处置
type Pipeline struct {
	registry     *Registry
	bypass       BypassPolicy
	deferTimeout time.Duration
	strict       bool
	observers    []Observer
	log          logger.Logger
}

// NewPipeline 创建拦截管线
func NewPipeline(opts Options) *Pipeline {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry(l)
	}
	to := opts.DeferTimeout
	if to <= 0 {
		to = defaultDeferTimeout
	}
	return &Pipeline{
		registry:     reg,
		bypass:       opts.Bypass,
		deferTimeout: to,
		strict:       opts.Strict,
		observers:    opts.Observers,
		log:          l,
	}
}

// Registry 返回管线使用的注册表
func (p *Pipeline) Registry() *Registry { return p.registry }

// Register 在作用域上安装拦截器
func (p *Pipeline) Register(scope Scope, ic Interceptor) Interceptor {
	return p.registry.Register(scope, ic)
}

// Unregister 移除作用域上的拦截器
func (p *Pipeline) Unregister(scope Scope) bool {
	return p.registry.Unregister(scope)
}

// Dispatch 分发一次物理请求。重定向产生的新请求需要再次分发。
// 严格模式下，拦截器误用会作为错误返回，结果仍然有效。
func (p *Pipeline) Dispatch(ctx context.Context, req traffic.Request) (Result, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Headers == nil {
		req.Headers = make(traffic.Header)
	}

	res := p.resolve(ctx, req)
	res.RequestID = req.ID
	res.Duration = time.Since(start)
	p.finish(req, res)

	if len(res.UsageErrors) > 0 && p.strict {
		return res, res.Err()
	}
	return res, nil
}

func (p *Pipeline) resolve(ctx context.Context, req traffic.Request) Result {
	if ctx.Err() != nil {
		return Failed(domain.ErrorAborted)
	}
	if p.bypass.Bypass(req.URL) {
		res := Proceed(req.Headers.Clone())
		res.Bypassed = true
		return res
	}

	ic, scope, ok := p.registry.Snapshot().Resolve(req.Target)
	if !ok {
		return Proceed(req.Headers.Clone())
	}

	d := newDescriptor(req)
	ic.Intercept(ctx, d)
	p.await(ctx, d)
	if ctx.Err() != nil {
		d.expire(domain.DispositionFail, domain.ErrorAborted, false)
	}

	res := d.seal()
	res.Scope = scope
	res.Intercepted = true

	if res.Disposition == domain.DispositionRedirect && sameURL(res.URL, req.URL) {
		// 已位于重定向目标，按放行处理，避免重定向循环
		p.log.Debug("重定向目标与当前URL相同，按放行处理", "url", req.URL)
		res.Disposition = domain.DispositionProceed
		res.URL = ""
		res.Headers = d.Headers()
	}
	return res
}

// await 等待延迟决策完成，超时阻止请求，取消时失败
func (p *Pipeline) await(ctx context.Context, d *Descriptor) {
	f := d.pending()
	if f == nil {
		return
	}
	timer := time.NewTimer(p.deferTimeout)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		p.log.Warn("延迟决策超时，阻止请求", "url", d.URL(), "timeout", p.deferTimeout)
		d.expire(domain.DispositionBlock, domain.ErrorNone, true)
	case <-ctx.Done():
		p.log.Debug("请求已取消，放弃延迟决策", "url", d.URL())
		d.expire(domain.DispositionFail, domain.ErrorAborted, false)
	}
}

// finish 记录日志并通知观察者
func (p *Pipeline) finish(req traffic.Request, res Result) {
	for _, err := range res.UsageErrors {
		var ue *UsageError
		if errors.As(err, &ue) {
			p.log.Warn("拦截器误用", "op", ue.Op, "url", ue.URL, "error", ue.Err.Error())
		}
	}
	p.log.Debug("请求分发完成",
		"url", req.URL,
		"method", req.Method,
		"resourceType", string(req.ResourceType),
		"scope", res.Scope.String(),
		"disposition", string(res.Disposition),
		"duration", res.Duration,
	)
	for _, o := range p.observers {
		o.Observe(req, res)
	}
}

func sameURL(a, b string) bool {
	if a == b {
		return true
	}
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.String() == ub.String()
}
