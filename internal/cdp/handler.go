package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	cdpconv "netintercept/internal/adapter/cdp"
	"netintercept/internal/intercept"
	"netintercept/pkg/domain"
)

// handle 把一次暂停的请求交给拦截管线，并按处置结果恢复请求
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, m.processTimeout)
	defer cancel()
	start := time.Now()

	mainFrame, firstParty := ts.frameContext()
	req := cdpconv.ToNeutralRequest(ev, cdpconv.FrameContext{
		Target:        ts.id,
		MainFrameID:   mainFrame,
		FirstPartyURL: firstParty,
	})

	if m.pipeline == nil {
		m.continueRequest(ctx, ts, ev, nil)
		return
	}
	res, err := m.pipeline.Dispatch(ctx, req)
	if err != nil {
		m.log.Err(err, "拦截器误用", "target", string(ts.id), "url", req.URL)
	}

	rctx, rcancel := m.resumeCtx(ctx, ts)
	defer rcancel()

	switch res.Disposition {
	case domain.DispositionBlock, domain.DispositionFail:
		reason := cdpconv.ErrorReasonOf(res.Disposition, res.ErrorKind)
		if err := ts.fetch.FailRequest(rctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: reason}); err != nil {
			m.log.Err(err, "终止请求失败", "target", string(ts.id), "url", req.URL)
		}
	case domain.DispositionRedirect:
		if err := ts.fetch.FulfillRequest(rctx, cdpconv.RedirectResponse(ev, res.URL)); err != nil {
			m.log.Err(err, "重定向请求失败", "target", string(ts.id), "url", req.URL)
		}
	default:
		if req.ResourceType == domain.ResourceMainFrame {
			ts.setFirstParty(req.URL)
		}
		if res.Changed {
			m.continueRequest(rctx, ts, ev, &res)
		} else {
			m.continueRequest(rctx, ts, ev, nil)
		}
	}
	m.log.Debug("拦截事件处理完成", "target", string(ts.id), "url", req.URL,
		"disposition", string(res.Disposition), "duration", time.Since(start))
}

// resumeCtx 管线因超时或取消结束时，仍需要可用的上下文恢复请求
func (m *Manager) resumeCtx(ctx context.Context, ts *targetSession) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(ts.ctx, time.Second)
}

func (m *Manager) continueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, res *intercept.Result) {
	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
	if res != nil && len(res.Headers) > 0 {
		args.Headers = cdpconv.ToHeaderEntries(res.Headers)
	}
	if err := ts.fetch.ContinueRequest(ctx, args); err != nil {
		m.log.Err(err, "放行请求失败", "target", string(ts.id), "url", ev.Request.URL)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	if !m.pool.submit(func() { m.handle(ts, ev) }) {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理，c 被取消时退出
func (m *Manager) consume(ts *targetSession, c *consumer) {
	defer m.consumerExited(ts, c)
	rp, err := ts.fetch.RequestPaused(c.ctx)
	if err != nil {
		m.log.Err(err, "订阅拦截事件流失败", "target", string(ts.id))
		m.streamClosed(ts, c, err)
		return
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			m.streamClosed(ts, c, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

func (m *Manager) streamClosed(ts *targetSession, c *consumer, err error) {
	if c.ctx.Err() != nil && ts.ctx.Err() == nil {
		m.log.Debug("消费者已停止", "target", string(ts.id))
		return
	}
	m.handleTargetStreamClosed(ts, err)
}

// handleTargetStreamClosed 处理单个目标的拦截流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() || ts.ctx.Err() != nil {
		m.log.Info("拦截已停止，结束目标事件消费", "target", string(ts.id))
		return
	}
	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err)

	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if cur, ok := m.targets[ts.id]; ok && cur == ts {
		m.closeTargetSession(cur)
		delete(m.targets, ts.id)
	}
}

// degradeAndContinue 统一的降级处理：不经拦截直接放行
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", string(ev.RequestID))
	ctx, cancel := context.WithTimeout(ts.ctx, time.Second)
	defer cancel()
	m.continueRequest(ctx, ts, ev, nil)
}
