package fullscreen

import (
	"sync"

	"netintercept/internal/logger"
)

// Handler 宿主的全屏请求处理函数，必须调用 Accept 或 Reject
type Handler func(r *Request)

// Controller 维护单个页面的全屏状态，并把内容发起的切换请求交给宿主处理
type Controller struct {
	mu      sync.Mutex
	on      bool
	handler Handler
	log     logger.Logger
}

// NewController 创建全屏控制器，初始为非全屏
func NewController(l logger.Logger) *Controller {
	if l == nil {
		l = logger.NewNop()
	}
	return &Controller{log: l}
}

// SetHandler 安装宿主处理函数，nil 表示不支持全屏：进入请求被拒绝，退出请求被接受
func (c *Controller) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// IsFullScreen 当前是否处于全屏
func (c *Controller) IsFullScreen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

// Request 内容请求切换全屏，返回交给宿主的请求对象
func (c *Controller) Request(origin string, toggleOn bool) *Request {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	req := NewRequest(origin, toggleOn, c.set)
	if h == nil {
		// 退出全屏总是允许，保证页面不会因默认策略进入全屏
		if toggleOn {
			c.log.Debug("未安装全屏处理函数，拒绝进入全屏", "origin", origin)
			_ = req.Reject()
		} else {
			c.log.Debug("未安装全屏处理函数，接受退出全屏", "origin", origin)
			_ = req.Accept()
		}
		return req
	}
	h(req)
	return req
}

func (c *Controller) set(on bool) {
	c.mu.Lock()
	prev := c.on
	c.on = on
	c.mu.Unlock()
	if prev != on {
		c.log.Info("全屏状态变更", "fullScreen", on)
	}
}
