package traffic

import (
	"net/http"

	"netintercept/pkg/domain"
)

// Header 请求/响应头，键区分大小写，重复写入以最后一次为准
type Header map[string]string

// Get 获取指定 Header 的值
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Lookup 获取指定 Header 的值及是否存在
func (h Header) Lookup(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[key]
	return v, ok
}

// Set 设置指定 Header 的值
func (h Header) Set(key, value string) {
	h[key] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, key)
}

// Clone 复制一份独立的 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	ID            string              // 事务唯一ID
	URL           string              // 完整URL
	Method        string              // HTTP方法
	Initiator     string              // 发起请求的内容源，非网页发起时为空
	FirstPartyURL string              // 顶层文档URL
	ResourceType  domain.ResourceType // 资源类型
	Target        domain.TargetID     // 发起请求的页面
	Headers       Header              // 请求头
	Body          []byte              // 请求体原始数据
}

// Response 中立的响应模型
type Response struct {
	URL         string // 最终URL
	StatusCode  int    // 状态码
	ContentType string // MIME类型
	Headers     Header // 响应头
	Body        []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest(method, url string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		URL:     url,
		Method:  method,
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}
