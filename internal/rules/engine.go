package rules

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"netintercept/pkg/domain"
)

// Engine 规则引擎，规则集可以在运行时整体替换
type Engine struct {
	mu sync.RWMutex
	rs RuleSet

	total   atomic.Int64
	matched atomic.Int64
	byRule  sync.Map // domain.RuleID -> *atomic.Int64

	pending *pendingQueue
}

// New 创建规则引擎
func New(rs RuleSet) *Engine {
	return &Engine{rs: rs, pending: newPendingQueue()}
}

// Update 替换规则集
func (e *Engine) Update(rs RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rs = rs
}

// Rules 当前规则集
func (e *Engine) Rules() RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rs
}

// Ctx 规则匹配的请求上下文
type Ctx struct {
	URL          string
	Method       string
	Headers      map[string]string
	Query        map[string]string
	Cookies      map[string]string
	Body         string
	ContentType  string
	ResourceType domain.ResourceType
	Initiator    string
}

// NewCtx 从请求字段构造匹配上下文，查询参数与 Cookie 从 URL 与请求头解析
func NewCtx(rawURL, method string, headers map[string]string, body []byte) Ctx {
	c := Ctx{
		URL:     rawURL,
		Method:  method,
		Headers: headers,
		Query:   map[string]string{},
		Cookies: map[string]string{},
		Body:    string(body),
	}
	if u, err := url.Parse(rawURL); err == nil {
		for k, vs := range u.Query() {
			if len(vs) > 0 {
				c.Query[k] = vs[0]
			}
		}
	}
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "cookie":
			if cs, err := http.ParseCookie(v); err == nil {
				for _, ck := range cs {
					c.Cookies[ck.Name] = ck.Value
				}
			}
		case "content-type":
			c.ContentType = v
		}
	}
	return c
}

// Result 匹配结果
type Result struct {
	RuleID domain.RuleID
	Action Action
}

// Eval 选出命中的最高优先级规则，short_circuit 规则命中即停止
func (e *Engine) Eval(ctx Ctx) *Result {
	e.total.Add(1)
	e.mu.RLock()
	rules := e.rs.Rules
	e.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}
	var chosen *Rule
	for i := range rules {
		r := &rules[i]
		if r.Disabled {
			continue
		}
		if matchRule(ctx, r.Match) {
			if chosen == nil || r.Priority > chosen.Priority {
				chosen = r
				if r.Mode == ModeShortCircuit {
					break
				}
			}
		}
	}
	if chosen == nil {
		return nil
	}
	e.matched.Add(1)
	v, _ := e.byRule.LoadOrStore(chosen.ID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	return &Result{RuleID: chosen.ID, Action: chosen.Action}
}

// Stats 匹配统计
func (e *Engine) Stats() domain.EngineStats {
	st := domain.EngineStats{
		Total:   e.total.Load(),
		Matched: e.matched.Load(),
		ByRule:  map[domain.RuleID]int64{},
	}
	e.byRule.Range(func(k, v any) bool {
		st.ByRule[k.(domain.RuleID)] = v.(*atomic.Int64).Load()
		return true
	})
	return st
}

func matchRule(ctx Ctx, m Match) bool {
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && noneOf(ctx, m.NoneOf)
	}
	return ok
}

func allOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if !cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func noneOf(ctx Ctx, cs []Condition) bool { return !anyOf(ctx, cs) }

func cond(ctx Ctx, c Condition) bool {
	switch c.Type {
	case ConditionURL:
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(ctx.URL, c.Pattern)
		case "regex":
			return matchRegex(ctx.URL, c.Pattern)
		case "exact":
			return ctx.URL == c.Pattern
		default:
			return glob(ctx.URL, c.Pattern)
		}
	case ConditionMethod:
		for _, v := range c.Values {
			if strings.EqualFold(ctx.Method, v) {
				return true
			}
		}
		return false
	case ConditionResourceType:
		for _, v := range c.Values {
			if domain.ResourceType(v) == ctx.ResourceType {
				return true
			}
		}
		return false
	case ConditionInitiator:
		return compare(ctx.Initiator, ctx.Initiator != "", c)
	case ConditionHeader:
		v, ok := lookupFold(ctx.Headers, c.Key)
		return compare(v, ok, c)
	case ConditionQuery:
		v, ok := ctx.Query[c.Key]
		return compare(v, ok, c)
	case ConditionCookie:
		v, ok := ctx.Cookies[c.Key]
		return compare(v, ok, c)
	case ConditionText:
		return compare(ctx.Body, ctx.Body != "", c)
	case ConditionJSONPointer:
		v, ok := jsonValue(ctx.Body, pointerToPath(c.Pointer))
		return compare(v, ok, c)
	case ConditionJSONPath:
		v, ok := jsonValue(ctx.Body, c.Path)
		return compare(v, ok, c)
	default:
		return false
	}
}

func compare(v string, ok bool, c Condition) bool {
	if !ok {
		return false
	}
	switch c.Op {
	case OpEquals:
		return v == c.Value
	case OpContains:
		return strings.Contains(v, c.Value)
	case OpRegex:
		return matchRegex(v, c.Value)
	default:
		return true
	}
}

func lookupFold(h map[string]string, key string) (string, bool) {
	if v, ok := h[key]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func jsonValue(body, path string) (string, bool) {
	if body == "" || path == "" || !gjson.Valid(body) {
		return "", false
	}
	r := gjson.Get(body, path)
	if !r.Exists() {
		return "", false
	}
	if r.Type == gjson.JSON {
		return r.Raw, true
	}
	return r.String(), true
}

// pointerToPath 把 JSON Pointer 转换为 gjson 路径
func pointerToPath(ptr string) string {
	if ptr == "" || ptr[0] != '/' {
		return ""
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		tokens[i] = escapePath(tok)
	}
	return strings.Join(tokens, ".")
}

func escapePath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func matchRegex(s, pattern string) bool {
	v, ok := regexCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		v, _ = regexCache.LoadOrStore(pattern, re)
	}
	return v.(*regexp.Regexp).MatchString(s)
}

func glob(s, pattern string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(s, strings.Trim(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
