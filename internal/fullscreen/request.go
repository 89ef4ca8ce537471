// Package fullscreen 实现页面进入/退出全屏的处置请求。
//
// 页面内容请求切换全屏时，宿主收到一个 Request，必须恰好调用一次 Accept 或 Reject。
// Accept 应用请求的目标状态，Reject 应用其取反，两种结果总是互补。
package fullscreen

import (
	"errors"
	"sync"
)

// ErrAlreadyResolved 请求已被处置
var ErrAlreadyResolved = errors.New("fullscreen: request already resolved")

// Request 一次全屏切换请求，创建后不可变，只能处置一次
type Request struct {
	origin   string
	toggleOn bool
	apply    func(on bool)

	mu       sync.Mutex
	resolved bool
}

// NewRequest 创建全屏请求，apply 接收最终的全屏状态
func NewRequest(origin string, toggleOn bool, apply func(on bool)) *Request {
	return &Request{origin: origin, toggleOn: toggleOn, apply: apply}
}

// Origin 发起请求的内容URL
func (r *Request) Origin() string { return r.origin }

// ToggleOn 为 true 表示请求进入全屏，false 表示请求退出全屏
func (r *Request) ToggleOn() bool { return r.toggleOn }

// Resolved 请求是否已被处置
func (r *Request) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Accept 接受请求，应用目标状态
func (r *Request) Accept() error { return r.resolve(r.toggleOn) }

// Reject 拒绝请求，应用目标状态的取反（保持或恢复当前状态）
func (r *Request) Reject() error { return r.resolve(!r.toggleOn) }

func (r *Request) resolve(state bool) error {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return ErrAlreadyResolved
	}
	r.resolved = true
	r.mu.Unlock()

	if r.apply != nil {
		r.apply(state)
	}
	return nil
}
