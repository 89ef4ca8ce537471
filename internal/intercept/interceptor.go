package intercept

import (
	"context"

	"netintercept/pkg/traffic"
)

// Interceptor 在请求发出前检查并修改请求。
// Intercept 在分发所在的 goroutine 上同步调用，每个请求每跳恰好一次，不能阻塞；
// 耗时决策应通过 Descriptor.Defer 交给异步续体。
type Interceptor interface {
	Intercept(ctx context.Context, d *Descriptor)
}

// InterceptorFunc 函数适配器
type InterceptorFunc func(ctx context.Context, d *Descriptor)

func (f InterceptorFunc) Intercept(ctx context.Context, d *Descriptor) { f(ctx, d) }

// PassthroughInterceptor 只观察不修改
type PassthroughInterceptor struct{}

func (PassthroughInterceptor) Intercept(context.Context, *Descriptor) {}

// Observer 接收每次分发的最终结果
type Observer interface {
	Observe(req traffic.Request, res Result)
}

// ObserverFunc 函数适配器
type ObserverFunc func(req traffic.Request, res Result)

func (f ObserverFunc) Observe(req traffic.Request, res Result) { f(req, res) }

var (
	_ Interceptor = InterceptorFunc(nil)
	_ Interceptor = PassthroughInterceptor{}
	_ Observer    = ObserverFunc(nil)
)
