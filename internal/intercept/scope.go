package intercept

import "netintercept/pkg/domain"

// Scope 拦截器的注册粒度：全局默认或某个页面
type Scope struct {
	Target domain.TargetID
}

// Global 全局默认作用域
var Global = Scope{}

// SurfaceScope 返回指定页面的作用域
func SurfaceScope(id domain.TargetID) Scope { return Scope{Target: id} }

func (s Scope) IsGlobal() bool { return s.Target == "" }

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "surface:" + string(s.Target)
}
