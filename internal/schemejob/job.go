package schemejob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

var (
	// ErrAlreadyResolved 任务已被处置，重复处置属于误用
	ErrAlreadyResolved = errors.New("schemejob: job already resolved")
	// ErrAborted 任务已被取消，迟到的处置不生效
	ErrAborted = errors.New("schemejob: job aborted")
	// ErrInvalidErrorKind 未知的失败类型
	ErrInvalidErrorKind = errors.New("schemejob: invalid error kind")
	// ErrInvalidRedirect 重定向目标无法解析
	ErrInvalidRedirect = errors.New("schemejob: invalid redirect url")
)

// State 任务状态，离开 Pending 后不再变化
type State int

const (
	StatePending State = iota
	StateReplied
	StateRedirected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReplied:
		return "replied"
	case StateRedirected:
		return "redirected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome 任务的最终结果
type Outcome struct {
	State       State
	ContentType string
	Body        io.Reader // 由处理方提供，任务存续期间必须有效
	RedirectURL string
	ErrorKind   domain.ErrorKind
}

// Job 自定义协议的一次请求任务，处理方必须恰好调用一次 Reply、Redirect 或 Fail
type Job struct {
	req traffic.Request
	log logger.Logger

	mu      sync.Mutex
	outcome Outcome
	aborted bool
	done    chan struct{}
}

func newJob(req traffic.Request, l logger.Logger) *Job {
	req.Headers = req.Headers.Clone()
	return &Job{
		req:  req,
		log:  l,
		done: make(chan struct{}),
	}
}

func (j *Job) ID() string        { return j.req.ID }
func (j *Job) URL() string       { return j.req.URL }
func (j *Job) Method() string    { return j.req.Method }
func (j *Job) Initiator() string { return j.req.Initiator }

// Headers 返回请求头副本
func (j *Job) Headers() traffic.Header { return j.req.Headers.Clone() }

// State 当前状态
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome.State
}

// Done 任务结束（被处置或取消）时关闭
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome 返回当前结果
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Reply 以给定的 MIME 类型和数据源应答请求
func (j *Job) Reply(contentType string, body io.Reader) error {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	return j.settle("reply", Outcome{State: StateReplied, ContentType: contentType, Body: body})
}

// Redirect 将请求重定向到 target
func (j *Job) Redirect(target string) error {
	if _, err := url.Parse(target); err != nil || target == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRedirect, target)
	}
	return j.settle("redirect", Outcome{State: StateRedirected, RedirectURL: target})
}

// Fail 以指定原因使请求失败
func (j *Job) Fail(kind domain.ErrorKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidErrorKind, kind)
	}
	return j.settle("fail", Outcome{State: StateFailed, ErrorKind: kind})
}

func (j *Job) settle(op string, out Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.aborted {
		j.log.Debug("任务已取消，忽略处置", "op", op, "url", j.req.URL)
		return ErrAborted
	}
	if j.outcome.State != StatePending {
		j.log.Error("任务被重复处置", "op", op, "url", j.req.URL, "state", j.outcome.State.String())
		return fmt.Errorf("%w: %s after %s", ErrAlreadyResolved, op, j.outcome.State)
	}
	j.outcome = out
	close(j.done)
	return nil
}

// abort 取消仍在等待的任务，转为 Failed(Aborted)
func (j *Job) abort() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome.State != StatePending {
		return false
	}
	j.aborted = true
	j.outcome = Outcome{State: StateFailed, ErrorKind: domain.ErrorAborted}
	close(j.done)
	return true
}

// Wait 等待任务结束，ctx 取消时任务转为 Failed(Aborted)
func (j *Job) Wait(ctx context.Context) Outcome {
	select {
	case <-j.done:
	case <-ctx.Done():
		if j.abort() {
			j.log.Debug("任务被取消", "url", j.req.URL)
		}
	}
	return j.Outcome()
}
