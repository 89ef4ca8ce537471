// Package network 为页面提供请求的实际执行：data: URL 内联解码，
// 自定义协议交给 schemejob 处理方，http/https 通过 resty 发出。
// 重定向不会自动跟随，每一跳都由调用方重新分发给拦截管线。
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"netintercept/internal/logger"
	"netintercept/internal/schemejob"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

const defaultJobTimeout = 10 * time.Second

// Fetcher 执行单跳请求
type Fetcher interface {
	Fetch(ctx context.Context, req traffic.Request) (*traffic.Response, error)
}

// Error 请求失败，Kind 与自定义协议任务的失败类型一致
type Error struct {
	Kind domain.ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: %s %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("network: %s %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 提取错误对应的失败类型
func KindOf(err error) domain.ErrorKind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorAborted
	}
	return domain.ErrorFailed
}

// Options 网络层配置
type Options struct {
	Schemes    *schemejob.Registry
	HTTPClient *resty.Client
	JobTimeout time.Duration
	Logger     logger.Logger
}

// Network 默认的网络层实现
type Network struct {
	schemes    *schemejob.Registry
	http       *resty.Client
	jobTimeout time.Duration
	log        logger.Logger
}

// New 创建网络层
func New(opts Options) *Network {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	schemes := opts.Schemes
	if schemes == nil {
		schemes = schemejob.NewRegistry(l)
	}
	client := opts.HTTPClient
	if client == nil {
		client = resty.New().SetTimeout(30 * time.Second)
	}
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	to := opts.JobTimeout
	if to <= 0 {
		to = defaultJobTimeout
	}
	return &Network{schemes: schemes, http: client, jobTimeout: to, log: l}
}

// Schemes 返回自定义协议注册表
func (n *Network) Schemes() *schemejob.Registry { return n.schemes }

// Fetch 执行单跳请求，3xx 响应原样返回，由调用方决定是否跟随
func (n *Network) Fetch(ctx context.Context, req traffic.Request) (*traffic.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &Error{Kind: domain.ErrorInvalid, URL: req.URL, Err: err}
	}
	switch scheme := strings.ToLower(u.Scheme); {
	case scheme == "data":
		return decodeDataURL(req.URL)
	case scheme == "http" || scheme == "https":
		return n.fetchHTTP(ctx, req)
	case n.schemes.Handles(scheme):
		return n.fetchJob(ctx, req)
	default:
		return nil, &Error{Kind: domain.ErrorInvalid, URL: req.URL, Err: fmt.Errorf("unsupported scheme %q", scheme)}
	}
}

func (n *Network) fetchHTTP(ctx context.Context, req traffic.Request) (*traffic.Response, error) {
	r := n.http.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		kind := domain.ErrorFailed
		if ctx.Err() != nil {
			kind = domain.ErrorAborted
		}
		return nil, &Error{Kind: kind, URL: req.URL, Err: err}
	}
	out := traffic.NewResponse()
	out.URL = req.URL
	out.StatusCode = resp.StatusCode()
	for k := range resp.Header() {
		out.Headers.Set(k, resp.Header().Get(k))
	}
	out.ContentType = resp.Header().Get("Content-Type")
	out.Body = resp.Body()
	n.log.Debug("HTTP请求完成", "url", req.URL, "method", req.Method, "status", out.StatusCode)
	return out, nil
}

func (n *Network) fetchJob(ctx context.Context, req traffic.Request) (*traffic.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, n.jobTimeout)
	defer cancel()

	out, err := n.schemes.Serve(ctx, req)
	if err != nil {
		return nil, &Error{Kind: domain.ErrorInvalid, URL: req.URL, Err: err}
	}
	switch out.State {
	case schemejob.StateReplied:
		body, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, &Error{Kind: domain.ErrorFailed, URL: req.URL, Err: err}
		}
		resp := traffic.NewResponse()
		resp.URL = req.URL
		resp.ContentType = out.ContentType
		resp.Headers.Set("Content-Type", out.ContentType)
		resp.Body = body
		return resp, nil
	case schemejob.StateRedirected:
		resp := traffic.NewResponse()
		resp.URL = req.URL
		resp.StatusCode = http.StatusFound
		resp.Headers.Set("Location", out.RedirectURL)
		return resp, nil
	default:
		return nil, &Error{Kind: out.ErrorKind, URL: req.URL}
	}
}

// RedirectLocation 返回 3xx 响应的跳转目标（已按请求URL解析为绝对地址）
func RedirectLocation(resp *traffic.Response) (string, bool) {
	if resp == nil || resp.StatusCode < 300 || resp.StatusCode > 399 {
		return "", false
	}
	loc := resp.Headers.Get("Location")
	if loc == "" {
		return "", false
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return loc, true
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}
