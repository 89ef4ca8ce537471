// Package navigation 模拟一个页面的加载过程：每个物理请求（含每一跳重定向）
// 都先同步分发给拦截管线，再由网络层执行，文档中的子资源在父文档之后依次请求。
package navigation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"netintercept/internal/fullscreen"
	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/internal/network"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

const (
	defaultMaxRedirects = 20
	maxFrameDepth       = 8
)

// ErrTooManyRedirects 重定向次数超过上限
var ErrTooManyRedirects = errors.New("navigation: too many redirects")

// NavigationRequest 顶层导航请求
type NavigationRequest struct {
	URL     string
	Method  string
	Headers traffic.Header
	Body    []byte
}

// Resource 一个子资源的加载结果
type Resource struct {
	URL           string // 最初请求的URL
	FinalURL      string
	Type          domain.ResourceType
	FirstPartyURL string
	Initiator     string
	OK            bool
	Disposition   domain.Disposition
	ErrorKind     domain.ErrorKind
	Hops          int
}

// LoadResult 一次顶层加载的结果
type LoadResult struct {
	RequestedURL string
	URL          string // 最终URL，失败时为空
	OK           bool
	Disposition  domain.Disposition // 导致失败的处置，成功时为 Proceed
	ErrorKind    domain.ErrorKind
	Hops         int
	Resources    []Resource
	Err          error // 严格模式下拦截器误用，以及网络错误
}

// Options 页面配置
type Options struct {
	ID           domain.TargetID
	Pipeline     *intercept.Pipeline
	Network      network.Fetcher
	MaxRedirects int
	Logger       logger.Logger
}

// Page 一个页面（浏览表面），拥有自己的作用域、全屏状态和加载历史
type Page struct {
	id           domain.TargetID
	pipeline     *intercept.Pipeline
	net          network.Fetcher
	maxRedirects int
	fullscreen   *fullscreen.Controller
	log          logger.Logger

	mu           sync.RWMutex
	url          string
	requestedURL string
	loads        []LoadResult
	listeners    []func(LoadResult)
}

// New 创建页面
func New(opts Options) *Page {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	id := opts.ID
	if id == "" {
		id = domain.TargetID(uuid.NewString())
	}
	pl := opts.Pipeline
	if pl == nil {
		pl = intercept.NewPipeline(intercept.Options{Logger: l})
	}
	nw := opts.Network
	if nw == nil {
		nw = network.New(network.Options{Logger: l})
	}
	redirects := opts.MaxRedirects
	if redirects <= 0 {
		redirects = defaultMaxRedirects
	}
	l = l.With("target", string(id))
	return &Page{
		id:           id,
		pipeline:     pl,
		net:          nw,
		maxRedirects: redirects,
		fullscreen:   fullscreen.NewController(l),
		log:          l,
	}
}

// ID 页面标识
func (p *Page) ID() domain.TargetID { return p.id }

// Scope 页面作用域
func (p *Page) Scope() intercept.Scope { return intercept.SurfaceScope(p.id) }

// SetInterceptor 安装页面级拦截器，遮蔽全局拦截器；nil 表示移除
func (p *Page) SetInterceptor(ic intercept.Interceptor) intercept.Interceptor {
	return p.pipeline.Register(p.Scope(), ic)
}

// FullScreen 页面的全屏控制器
func (p *Page) FullScreen() *fullscreen.Controller { return p.fullscreen }

// RequestFullScreen 以当前文档为来源发起全屏切换
func (p *Page) RequestFullScreen(toggleOn bool) *fullscreen.Request {
	return p.fullscreen.Request(origin(p.URL()), toggleOn)
}

// URL 当前文档的最终URL
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// RequestedURL 当前文档最初请求的URL
func (p *Page) RequestedURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requestedURL
}

// Loads 返回加载历史
func (p *Page) Loads() []LoadResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]LoadResult, len(p.loads))
	copy(out, p.loads)
	return out
}

// OnLoadFinished 注册加载完成回调
func (p *Page) OnLoadFinished(fn func(LoadResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Load 以 GET 导航到 rawURL
func (p *Page) Load(ctx context.Context, rawURL string) LoadResult {
	return p.Navigate(ctx, NavigationRequest{URL: rawURL, Method: http.MethodGet})
}

// Navigate 执行一次顶层导航。仅在成功时更新当前URL与请求URL
func (p *Page) Navigate(ctx context.Context, nav NavigationRequest) LoadResult {
	if nav.Method == "" {
		nav.Method = http.MethodGet
	}
	start := time.Now()
	req := traffic.NewRequest(nav.Method, nav.URL)
	if nav.Headers != nil {
		req.Headers = nav.Headers.Clone()
	}
	req.Body = nav.Body
	req.ResourceType = domain.ResourceMainFrame

	f := p.fetch(ctx, *req, "")
	res := LoadResult{
		RequestedURL: nav.URL,
		OK:           f.ok,
		Disposition:  f.disposition,
		ErrorKind:    f.errKind,
		Hops:         f.hops,
		Err:          f.err,
	}
	if f.ok {
		res.URL = f.finalURL
		p.mu.Lock()
		p.url, p.requestedURL = f.finalURL, nav.URL
		p.mu.Unlock()
		if isHTML(f.resp) {
			res.Resources = p.loadSubresources(ctx, f.finalURL, f.finalURL, f.resp.Body, 0)
		}
	}
	p.log.Info("页面加载完成", "url", nav.URL, "finalUrl", res.URL, "ok", res.OK,
		"hops", res.Hops, "resources", len(res.Resources), "duration", time.Since(start))
	p.finished(res)
	return res
}

// SetContent 以 baseURL 为文档地址直接载入 HTML，不对文档本身发起请求
func (p *Page) SetContent(ctx context.Context, html []byte, baseURL string) LoadResult {
	p.mu.Lock()
	p.url, p.requestedURL = baseURL, baseURL
	p.mu.Unlock()
	res := LoadResult{
		RequestedURL: baseURL,
		URL:          baseURL,
		OK:           true,
		Disposition:  domain.DispositionProceed,
		Resources:    p.loadSubresources(ctx, baseURL, baseURL, html, 0),
	}
	p.finished(res)
	return res
}

// Fetch 页面脚本发起的 XHR 请求，相对地址按当前文档解析
func (p *Page) Fetch(ctx context.Context, method, rawURL string, body []byte) (*traffic.Response, error) {
	doc := p.URL()
	abs := rawURL
	if r := resolve(doc, rawURL); r != "" {
		abs = r
	}
	req := traffic.NewRequest(method, abs)
	req.Body = body
	req.ResourceType = domain.ResourceXhr
	req.FirstPartyURL = doc
	req.Initiator = origin(doc)

	f := p.fetch(ctx, *req, doc)
	if !f.ok {
		return nil, f.failure(abs)
	}
	return f.resp, nil
}

// RegisterServiceWorker 请求 Service Worker 脚本
func (p *Page) RegisterServiceWorker(ctx context.Context, scriptURL string) error {
	doc := p.URL()
	abs := scriptURL
	if r := resolve(doc, scriptURL); r != "" {
		abs = r
	}
	req := traffic.NewRequest(http.MethodGet, abs)
	req.ResourceType = domain.ResourceServiceWorker
	req.FirstPartyURL = doc
	req.Initiator = origin(doc)

	f := p.fetch(ctx, *req, doc)
	if !f.ok {
		return f.failure(abs)
	}
	return nil
}

func (p *Page) finished(res LoadResult) {
	p.mu.Lock()
	p.loads = append(p.loads, res)
	ls := append([]func(LoadResult){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range ls {
		fn(res)
	}
}

// loadSubresources 依次请求文档引用的子资源，iframe 递归加载
func (p *Page) loadSubresources(ctx context.Context, topURL, docURL string, body []byte, depth int) []Resource {
	refs, err := DiscoverHTML(docURL, body)
	if err != nil {
		p.log.Err(err, "解析文档失败", "url", docURL)
		return nil
	}
	var out []Resource
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		if ref.Type == domain.ResourceSubFrame && depth >= maxFrameDepth {
			p.log.Warn("框架嵌套过深，忽略", "url", ref.URL, "depth", depth)
			continue
		}
		req := traffic.NewRequest(http.MethodGet, ref.URL)
		req.ResourceType = ref.Type
		req.FirstPartyURL = topURL
		req.Initiator = origin(docURL)

		f := p.fetch(ctx, *req, topURL)
		out = append(out, Resource{
			URL:           ref.URL,
			FinalURL:      f.finalURL,
			Type:          ref.Type,
			FirstPartyURL: topURL,
			Initiator:     req.Initiator,
			OK:            f.ok,
			Disposition:   f.disposition,
			ErrorKind:     f.errKind,
			Hops:          f.hops,
		})
		if !f.ok {
			continue
		}
		switch {
		case ref.Type == domain.ResourceSubFrame && isHTML(f.resp):
			out = append(out, p.loadSubresources(ctx, topURL, f.finalURL, f.resp.Body, depth+1)...)
		case ref.Type == domain.ResourceStylesheet:
			out = append(out, p.loadStyleResources(ctx, topURL, f.finalURL, f.resp.Body)...)
		}
	}
	return out
}

func (p *Page) loadStyleResources(ctx context.Context, topURL, cssURL string, body []byte) []Resource {
	var out []Resource
	for _, ref := range DiscoverCSS(cssURL, body) {
		if ref.Type == domain.ResourceStylesheet {
			// 不展开 @import 链
			continue
		}
		req := traffic.NewRequest(http.MethodGet, ref.URL)
		req.ResourceType = ref.Type
		req.FirstPartyURL = topURL
		req.Initiator = origin(cssURL)
		f := p.fetch(ctx, *req, topURL)
		out = append(out, Resource{
			URL:           ref.URL,
			FinalURL:      f.finalURL,
			Type:          ref.Type,
			FirstPartyURL: topURL,
			Initiator:     req.Initiator,
			OK:            f.ok,
			Disposition:   f.disposition,
			ErrorKind:     f.errKind,
			Hops:          f.hops,
		})
	}
	return out
}

type fetchResult struct {
	ok          bool
	resp        *traffic.Response
	finalURL    string
	disposition domain.Disposition
	errKind     domain.ErrorKind
	hops        int
	err         error
}

func (f fetchResult) failure(rawURL string) error {
	if f.err != nil {
		return f.err
	}
	return &network.Error{Kind: f.errKind, URL: rawURL, Err: fmt.Errorf("request %s", f.disposition)}
}

// fetch 执行一个逻辑请求：每一跳先分发给管线，再交给网络层。
// 主框架的第一方URL随每一跳更新为自身地址，其余请求固定为 firstParty
func (p *Page) fetch(ctx context.Context, req traffic.Request, firstParty string) fetchResult {
	req.Target = p.id
	var usage []error
	for hop := 0; ; hop++ {
		if hop > p.maxRedirects {
			p.log.Warn("重定向次数超过上限", "url", req.URL, "max", p.maxRedirects)
			return fetchResult{disposition: domain.DispositionFail, errKind: domain.ErrorFailed,
				hops: hop - 1, err: errors.Join(append(usage, ErrTooManyRedirects)...)}
		}
		if req.ResourceType == domain.ResourceMainFrame {
			req.FirstPartyURL = req.URL
		} else if firstParty != "" {
			req.FirstPartyURL = firstParty
		}
		req.ID = ""

		res, err := p.pipeline.Dispatch(ctx, req)
		if err != nil {
			usage = append(usage, err)
		}
		switch res.Disposition {
		case domain.DispositionBlock:
			return fetchResult{disposition: domain.DispositionBlock, errKind: domain.ErrorDenied,
				hops: hop, err: errors.Join(usage...)}
		case domain.DispositionFail:
			return fetchResult{disposition: domain.DispositionFail, errKind: res.ErrorKind,
				hops: hop, err: errors.Join(usage...)}
		case domain.DispositionRedirect:
			p.log.Debug("拦截器重定向", "from", req.URL, "to", res.URL, "resourceType", string(req.ResourceType))
			req.URL = res.URL
			continue
		}

		if res.Headers != nil {
			req.Headers = res.Headers
		}
		resp, err := p.net.Fetch(ctx, req)
		if err != nil {
			usage = append(usage, err)
			return fetchResult{disposition: domain.DispositionFail, errKind: network.KindOf(err),
				hops: hop, err: errors.Join(usage...)}
		}
		if loc, ok := network.RedirectLocation(resp); ok {
			if resp.StatusCode == http.StatusSeeOther ||
				((resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) && req.Method == http.MethodPost) {
				req.Method = http.MethodGet
				req.Body = nil
			}
			req.URL = loc
			continue
		}
		return fetchResult{ok: true, resp: resp, finalURL: req.URL,
			disposition: domain.DispositionProceed, hops: hop, err: errors.Join(usage...)}
	}
}

func isHTML(resp *traffic.Response) bool {
	if resp == nil {
		return false
	}
	ct := strings.ToLower(resp.ContentType)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}
