package intercept

import (
	"net/url"
	"sort"
	"strings"
)

// DefaultBypassSchemes 默认免拦截的协议：data: 与 blob: 请求的内容已在客户端解析完毕，
// 宿主无法有意义地拦截，因此总是直接放行。
var DefaultBypassSchemes = []string{"data", "blob"}

// BypassPolicy 显式列出的免拦截请求类别
type BypassPolicy struct {
	schemes map[string]struct{}
}

// NewBypassPolicy 按协议名创建免拦截策略
func NewBypassPolicy(schemes ...string) BypassPolicy {
	p := BypassPolicy{schemes: make(map[string]struct{}, len(schemes))}
	for _, s := range schemes {
		s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ":")
		if s != "" {
			p.schemes[s] = struct{}{}
		}
	}
	return p
}

// Bypass 判断请求是否跳过拦截器
func (p BypassPolicy) Bypass(rawURL string) bool {
	if len(p.schemes) == 0 {
		return false
	}
	scheme := schemeOf(rawURL)
	_, ok := p.schemes[scheme]
	return ok
}

// Schemes 返回排序后的协议列表
func (p BypassPolicy) Schemes() []string {
	out := make([]string, 0, len(p.schemes))
	for s := range p.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func schemeOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" {
		return strings.ToLower(u.Scheme)
	}
	if i := strings.IndexByte(rawURL, ':'); i > 0 {
		return strings.ToLower(rawURL[:i])
	}
	return ""
}
