package intercept

import (
	"errors"
	"time"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

// Result 一次分发的最终处置，由网络层据此继续、阻止、重定向或失败
type Result struct {
	RequestID   string
	Disposition domain.Disposition
	URL         string           // Redirect 的目标
	Headers     traffic.Header   // Proceed 时实际发出的请求头
	ErrorKind   domain.ErrorKind // Fail 的原因
	Scope       Scope
	Intercepted bool // 是否有拦截器参与
	Bypassed    bool // 是否属于免拦截类别
	Changed     bool
	Deferred    bool
	TimedOut    bool
	UsageErrors []error
	Duration    time.Duration
}

// Proceed 构造放行结果
func Proceed(headers traffic.Header) Result {
	return Result{Disposition: domain.DispositionProceed, Headers: headers}
}

// Blocked 构造阻止结果
func Blocked() Result {
	return Result{Disposition: domain.DispositionBlock}
}

// RedirectTo 构造重定向结果
func RedirectTo(target string) Result {
	return Result{Disposition: domain.DispositionRedirect, URL: target}
}

// Failed 构造失败结果
func Failed(kind domain.ErrorKind) Result {
	return Result{Disposition: domain.DispositionFail, ErrorKind: kind}
}

// Err 合并本次分发中记录的所有误用
func (r Result) Err() error {
	return errors.Join(r.UsageErrors...)
}

// Terminal 结果是否终止了原请求（非 Proceed）
func (r Result) Terminal() bool {
	return r.Disposition != domain.DispositionProceed
}

// Event 把分发结果转换为事件
func (r Result) Event(session domain.SessionID, req traffic.Request) domain.InterceptEvent {
	ev := domain.InterceptEvent{
		Session:      session,
		Target:       req.Target,
		Timestamp:    time.Now().UnixMilli(),
		RequestID:    r.RequestID,
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		Scope:        r.Scope.String(),
		Disposition:  r.Disposition,
		RedirectURL:  r.URL,
		ErrorKind:    r.ErrorKind,
		Bypassed:     r.Bypassed,
		Changed:      r.Changed,
		DurationMS:   r.Duration.Milliseconds(),
	}
	if !r.Intercepted {
		ev.Scope = ""
	}
	for _, err := range r.UsageErrors {
		ev.UsageErrors = append(ev.UsageErrors, err.Error())
	}
	return ev
}
