package intercept

import (
	"net/url"
	"sync"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

// Descriptor 一次在途请求在分发期间的可变表示。
// 身份字段只读；请求头可被修改，直到选定终结处置（Block/Redirect）或分发结束。
type Descriptor struct {
	req traffic.Request

	mu       sync.Mutex
	headers  traffic.Header
	kind     domain.Disposition
	target   string
	errKind  domain.ErrorKind
	calls    int
	changed  bool
	sealed   bool
	timedOut bool
	usage    []error
	deferral *Deferral
}

func newDescriptor(req traffic.Request) *Descriptor {
	headers := req.Headers.Clone()
	req.Headers = nil
	return &Descriptor{
		req:     req,
		headers: headers,
		kind:    domain.DispositionProceed,
	}
}

func (d *Descriptor) ID() string                        { return d.req.ID }
func (d *Descriptor) URL() string                       { return d.req.URL }
func (d *Descriptor) Method() string                    { return d.req.Method }
func (d *Descriptor) Initiator() string                 { return d.req.Initiator }
func (d *Descriptor) FirstPartyURL() string             { return d.req.FirstPartyURL }
func (d *Descriptor) ResourceType() domain.ResourceType { return d.req.ResourceType }
func (d *Descriptor) Target() domain.TargetID           { return d.req.Target }

// Body 返回请求体副本
func (d *Descriptor) Body() []byte {
	if d.req.Body == nil {
		return nil
	}
	return append([]byte(nil), d.req.Body...)
}

// Header 读取当前请求头
func (d *Descriptor) Header(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers.Get(key)
}

// Headers 返回当前请求头的副本
func (d *Descriptor) Headers() traffic.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers.Clone()
}

// Changed 是否已对请求做过任何修改或处置
func (d *Descriptor) Changed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

// SetHeader 设置请求头，重复设置以最后一次为准
func (d *Descriptor) SetHeader(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed || d.kind != domain.DispositionProceed {
		return d.misuse("set header", ErrTerminal)
	}
	d.headers.Set(key, value)
	d.changed = true
	return nil
}

// Block 阻止请求
func (d *Descriptor) Block() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decide(domain.DispositionBlock, "")
}

// Redirect 将请求重定向到 target
func (d *Descriptor) Redirect(target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := url.Parse(target); err != nil || target == "" {
		return d.misuse("redirect", ErrInvalidURL)
	}
	return d.decide(domain.DispositionRedirect, target)
}

// Defer 将处置推迟到异步续体中完成，分发会等待其结果或超时
func (d *Descriptor) Defer() (*Deferral, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed || d.kind != domain.DispositionProceed {
		return nil, d.misuse("defer", ErrTerminal)
	}
	if d.deferral != nil {
		return nil, d.misuse("defer", ErrAlreadyDeferred)
	}
	d.deferral = &Deferral{d: d, done: make(chan struct{})}
	return d.deferral, nil
}

// decide 记录一次处置，调用方需持有锁。多次处置以最后一次为准并记为误用
func (d *Descriptor) decide(kind domain.Disposition, target string) error {
	if d.sealed {
		return d.misuse(string(kind), ErrTerminal)
	}
	var err error
	if d.calls > 0 {
		err = d.misuse(string(kind), ErrMultipleDispositions)
	}
	d.calls++
	d.kind = kind
	d.target = target
	d.changed = true
	return err
}

// misuse 记录误用，调用方需持有锁
func (d *Descriptor) misuse(op string, cause error) error {
	err := &UsageError{Op: op, URL: d.req.URL, Err: cause}
	if !d.sealed {
		d.usage = append(d.usage, err)
	}
	return err
}

func (d *Descriptor) pending() *Deferral {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deferral == nil || d.deferral.resolved {
		return nil
	}
	return d.deferral
}

// expire 在延迟决策未完成时强制给出处置
func (d *Descriptor) expire(kind domain.Disposition, errKind domain.ErrorKind, timedOut bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed || (d.deferral != nil && d.deferral.resolved) {
		return
	}
	d.kind = kind
	d.target = ""
	d.errKind = errKind
	d.timedOut = timedOut
	d.sealed = true
	if d.deferral != nil {
		close(d.deferral.done)
	}
}

// seal 结束分发并生成结果快照，之后的所有修改都会被拒绝
func (d *Descriptor) seal() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sealed = true
	res := Result{
		RequestID:   d.req.ID,
		Disposition: d.kind,
		ErrorKind:   d.errKind,
		Changed:     d.changed,
		TimedOut:    d.timedOut,
		Deferred:    d.deferral != nil,
	}
	switch d.kind {
	case domain.DispositionProceed:
		res.Headers = d.headers.Clone()
	case domain.DispositionRedirect:
		res.URL = d.target
	}
	if len(d.usage) > 0 {
		res.UsageErrors = append([]error(nil), d.usage...)
	}
	return res
}

// Deferral 被推迟的处置，由异步续体恰好完成一次
type Deferral struct {
	d        *Descriptor
	done     chan struct{}
	resolved bool
}

// Done 处置完成（或请求已超时/取消）时关闭
func (f *Deferral) Done() <-chan struct{} { return f.done }

// SetHeader 在处置前修改请求头
func (f *Deferral) SetHeader(key, value string) error {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if f.resolved {
		return f.d.misuse("set header", ErrAlreadyResolved)
	}
	if f.d.sealed {
		return ErrStale
	}
	if f.d.kind != domain.DispositionProceed {
		return f.d.misuse("set header", ErrTerminal)
	}
	f.d.headers.Set(key, value)
	f.d.changed = true
	return nil
}

// Proceed 放行请求（携带已有的请求头修改）
func (f *Deferral) Proceed() error { return f.resolve(domain.DispositionProceed, "") }

// Block 阻止请求
func (f *Deferral) Block() error { return f.resolve(domain.DispositionBlock, "") }

// Redirect 将请求重定向到 target
func (f *Deferral) Redirect(target string) error {
	if _, err := url.Parse(target); err != nil || target == "" {
		return &UsageError{Op: "redirect", URL: f.d.req.URL, Err: ErrInvalidURL}
	}
	return f.resolve(domain.DispositionRedirect, target)
}

func (f *Deferral) resolve(kind domain.Disposition, target string) error {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if f.resolved {
		return f.d.misuse(string(kind), ErrAlreadyResolved)
	}
	if f.d.sealed {
		return ErrStale
	}
	// 推迟后拦截器又同步给出了处置，以续体的处置为准并记为误用
	var err error
	if f.d.calls > 0 {
		err = f.d.misuse(string(kind), ErrMultipleDispositions)
	}
	f.d.calls++
	f.resolved = true
	f.d.kind = kind
	f.d.target = target
	if kind != domain.DispositionProceed {
		f.d.changed = true
	}
	close(f.done)
	return err
}
