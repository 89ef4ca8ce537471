package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/pkg/domain"
)

// ErrUnknownPending 待决请求不存在或已处置
var ErrUnknownPending = errors.New("rules: unknown pending request")

// Interceptor 以规则引擎驱动的拦截器
type Interceptor struct {
	engine *Engine
	log    logger.Logger
	// OnPending 推迟的请求入队后回调
	OnPending func(PendingItem)
}

// NewInterceptor 创建规则拦截器
func NewInterceptor(e *Engine, l logger.Logger) *Interceptor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{engine: e, log: l}
}

var _ intercept.Interceptor = (*Interceptor)(nil)

// Engine 返回规则引擎
func (ic *Interceptor) Engine() *Engine { return ic.engine }

// Intercept 匹配规则并执行动作
func (ic *Interceptor) Intercept(_ context.Context, d *intercept.Descriptor) {
	c := NewCtx(d.URL(), d.Method(), d.Headers(), d.Body())
	c.ResourceType = d.ResourceType()
	c.Initiator = d.Initiator()

	res := ic.engine.Eval(c)
	if res == nil {
		return
	}
	ic.log.Debug("规则命中", "rule", string(res.RuleID), "action", string(res.Action.Type), "url", d.URL())

	var err error
	switch res.Action.Type {
	case ActionSetHeaders:
		err = applyHeaders(res.Action.Headers, d.SetHeader)
	case ActionBlock:
		err = d.Block()
	case ActionRedirect:
		err = d.Redirect(res.Action.URL)
	case ActionDefer:
		err = ic.deferRequest(d, res)
	case ActionProceed:
	}
	if err != nil {
		ic.log.Err(err, "执行规则动作失败", "rule", string(res.RuleID), "url", d.URL())
	}
}

func applyHeaders(headers map[string]string, set func(k, v string) error) error {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := set(k, headers[k]); err != nil {
			return err
		}
	}
	return nil
}

func (ic *Interceptor) deferRequest(d *intercept.Descriptor, res *Result) error {
	f, err := d.Defer()
	if err != nil {
		return err
	}
	item := PendingItem{
		ID:           d.ID(),
		Rule:         res.RuleID,
		URL:          d.URL(),
		Method:       d.Method(),
		ResourceType: d.ResourceType(),
		Target:       d.Target(),
		Created:      time.Now(),
	}
	ic.engine.pending.add(item, f)

	var timeout time.Duration
	def := ActionBlock
	if da := res.Action.Defer; da != nil {
		timeout = time.Duration(da.TimeoutMS) * time.Millisecond
		if da.DefaultAction != "" {
			def = da.DefaultAction
		}
	}
	go ic.watchPending(item, f, timeout, def)

	if ic.OnPending != nil {
		ic.OnPending(item)
	}
	return nil
}

// watchPending 超时后执行默认动作；请求结束后移出队列
func (ic *Interceptor) watchPending(item PendingItem, f *intercept.Deferral, timeout time.Duration, def ActionType) {
	defer ic.engine.pending.remove(item.ID)
	if timeout <= 0 {
		<-f.Done()
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.Done():
	case <-timer.C:
		var err error
		if def == ActionProceed {
			err = f.Proceed()
		} else {
			err = f.Block()
		}
		if err != nil && !errors.Is(err, intercept.ErrStale) {
			ic.log.Err(err, "执行默认动作失败", "id", item.ID)
			return
		}
		ic.log.Info("推迟的请求超时，执行默认动作", "id", item.ID, "url", item.URL, "action", string(def))
	}
}

// PendingItem 等待外部决定的请求
type PendingItem struct {
	ID           string              `json:"id"`
	Rule         domain.RuleID       `json:"rule"`
	URL          string              `json:"url"`
	Method       string              `json:"method"`
	ResourceType domain.ResourceType `json:"resourceType"`
	Target       domain.TargetID     `json:"target"`
	Created      time.Time           `json:"created"`
}

// Decision 外部对待决请求的决定
type Decision struct {
	Type    ActionType        `json:"type"` // proceed/block/redirect
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type pendingEntry struct {
	item PendingItem
	f    *intercept.Deferral
}

type pendingQueue struct {
	mu    sync.Mutex
	items map[string]pendingEntry
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{items: make(map[string]pendingEntry)}
}

func (q *pendingQueue) add(item PendingItem, f *intercept.Deferral) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ID] = pendingEntry{item: item, f: f}
}

func (q *pendingQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}

func (q *pendingQueue) take(id string) (pendingEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.items[id]
	delete(q.items, id)
	return e, ok
}

// Pending 按入队时间返回待决请求
func (e *Engine) Pending() []PendingItem {
	e.pending.mu.Lock()
	out := make([]PendingItem, 0, len(e.pending.items))
	for _, it := range e.pending.items {
		out = append(out, it.item)
	}
	e.pending.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Decide 对待决请求作出决定
func (e *Engine) Decide(id string, dec Decision) error {
	entry, ok := e.pending.take(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPending, id)
	}
	if err := applyHeaders(dec.Headers, entry.f.SetHeader); err != nil {
		return err
	}
	switch dec.Type {
	case ActionProceed, "":
		return entry.f.Proceed()
	case ActionBlock:
		return entry.f.Block()
	case ActionRedirect:
		return entry.f.Redirect(dec.URL)
	default:
		// 未知决定按阻止处理，避免请求悬挂到超时
		_ = entry.f.Block()
		return fmt.Errorf("rules: unknown decision %q", dec.Type)
	}
}
