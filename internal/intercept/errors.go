package intercept

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage 所有拦截器误用错误的公共根
	ErrUsage = errors.New("intercept: usage error")
	// ErrTerminal 请求已确定终结处置后仍被修改
	ErrTerminal = errors.New("intercept: request already has a terminal disposition")
	// ErrMultipleDispositions 单次分发内调用了多个处置
	ErrMultipleDispositions = errors.New("intercept: multiple dispositions in one dispatch")
	// ErrAlreadyResolved 延迟决策被重复处置
	ErrAlreadyResolved = errors.New("intercept: deferred decision already resolved")
	// ErrAlreadyDeferred 单次分发内重复请求延迟决策
	ErrAlreadyDeferred = errors.New("intercept: request already deferred")
	// ErrStale 延迟决策在请求超时或取消之后才到达，不再生效
	ErrStale = errors.New("intercept: deferred decision arrived after the request was settled")
	// ErrInvalidURL 重定向目标无法解析
	ErrInvalidURL = errors.New("intercept: invalid redirect url")
)

// UsageError 描述一次拦截器误用，errors.Is 同时匹配 ErrUsage 与具体原因
type UsageError struct {
	Op  string
	URL string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("intercept: %s on %s: %v", e.Op, e.URL, e.Err)
}

func (e *UsageError) Unwrap() []error { return []error{ErrUsage, e.Err} }
