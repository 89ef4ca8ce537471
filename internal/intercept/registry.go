package intercept

import (
	"sync"
	"sync/atomic"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
)

// Snapshot 注册表在某一时刻的不可变视图
type Snapshot struct {
	version  uint64
	global   Interceptor
	surfaces map[domain.TargetID]Interceptor
}

func (s *Snapshot) Version() uint64 { return s.version }

// Resolve 返回适用于指定页面的拦截器。页面作用域遮蔽全局作用域，二者不组合
func (s *Snapshot) Resolve(target domain.TargetID) (Interceptor, Scope, bool) {
	if target != "" {
		if ic, ok := s.surfaces[target]; ok {
			return ic, SurfaceScope(target), true
		}
	}
	if s.global != nil {
		return s.global, Global, true
	}
	return nil, Scope{}, false
}

// Registry 会话级拦截器注册表，每个作用域至多一个拦截器。
// 写操作复制快照后原子替换，分发只读取分发开始时的快照。
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	log  logger.Logger
}

// NewRegistry 创建空注册表
func NewRegistry(l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	r := &Registry{log: l}
	r.snap.Store(&Snapshot{surfaces: map[domain.TargetID]Interceptor{}})
	return r
}

// Snapshot 返回当前快照
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Register 在作用域上安装拦截器，替换并返回原有拦截器。ic 为 nil 时等同于 Unregister
func (r *Registry) Register(scope Scope, ic Interceptor) Interceptor {
	if ic == nil {
		prev, _ := r.unregister(scope)
		return prev
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := cur.clone()
	var prev Interceptor
	if scope.IsGlobal() {
		prev = next.global
		next.global = ic
	} else {
		prev = next.surfaces[scope.Target]
		next.surfaces[scope.Target] = ic
	}
	r.snap.Store(next)
	r.log.Debug("注册拦截器", "scope", scope.String(), "replaced", prev != nil, "version", next.version)
	return prev
}

// Unregister 移除作用域上的拦截器
func (r *Registry) Unregister(scope Scope) bool {
	_, ok := r.unregister(scope)
	return ok
}

func (r *Registry) unregister(scope Scope) (Interceptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	var prev Interceptor
	if scope.IsGlobal() {
		prev = cur.global
	} else {
		prev = cur.surfaces[scope.Target]
	}
	if prev == nil {
		return nil, false
	}
	next := cur.clone()
	if scope.IsGlobal() {
		next.global = nil
	} else {
		delete(next.surfaces, scope.Target)
	}
	r.snap.Store(next)
	r.log.Debug("移除拦截器", "scope", scope.String(), "version", next.version)
	return prev, true
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		version:  s.version + 1,
		global:   s.global,
		surfaces: make(map[domain.TargetID]Interceptor, len(s.surfaces)+1),
	}
	for k, v := range s.surfaces {
		out.surfaces[k] = v
	}
	return out
}
