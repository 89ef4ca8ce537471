package rules

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netintercept/internal/intercept"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

func newRulePipeline(t *testing.T, rs RuleSet) (*intercept.Pipeline, *Interceptor) {
	t.Helper()
	ic := NewInterceptor(New(rs), nil)
	pl := intercept.NewPipeline(intercept.Options{DeferTimeout: 2 * time.Second})
	pl.Register(intercept.Global, ic)
	return pl, ic
}

func TestInterceptorActions(t *testing.T) {
	pl, _ := newRulePipeline(t, RuleSet{Rules: []Rule{
		{ID: "post", Priority: 3, Match: Match{AllOf: []Condition{{Type: ConditionMethod, Values: []string{"POST"}}}}, Action: Action{Type: ActionBlock}},
		{ID: "moved", Priority: 2, Match: Match{AllOf: []Condition{{Type: ConditionURL, Mode: "prefix", Pattern: "http://old/"}}}, Action: Action{Type: ActionRedirect, URL: "http://new/"}},
		{ID: "tag", Priority: 1, Match: Match{AllOf: []Condition{{Type: ConditionURL, Pattern: "*"}}}, Action: Action{Type: ActionSetHeaders, Headers: map[string]string{"X-Tag": "1", "Referer": "http://r/"}}},
	}})

	res, err := pl.Dispatch(context.Background(), *traffic.NewRequest(http.MethodPost, "http://a/"))
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionBlock, res.Disposition)

	res, err = pl.Dispatch(context.Background(), *traffic.NewRequest(http.MethodGet, "http://old/x"))
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionRedirect, res.Disposition)
	assert.Equal(t, "http://new/", res.URL)

	res, err = pl.Dispatch(context.Background(), *traffic.NewRequest(http.MethodGet, "http://a/"))
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionProceed, res.Disposition)
	assert.Equal(t, "1", res.Headers.Get("X-Tag"))
	assert.Equal(t, "http://r/", res.Headers.Get("Referer"))
	assert.True(t, res.Changed)
}

func TestInterceptorDeferDecide(t *testing.T) {
	pl, ic := newRulePipeline(t, RuleSet{Rules: []Rule{
		{ID: "review", Action: Action{Type: ActionDefer}},
	}})
	queued := make(chan PendingItem, 1)
	ic.OnPending = func(it PendingItem) { queued <- it }

	type out struct {
		res intercept.Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := pl.Dispatch(context.Background(), *traffic.NewRequest(http.MethodGet, "http://a/"))
		done <- out{res, err}
	}()

	var item PendingItem
	select {
	case item = <-queued:
	case <-time.After(time.Second):
		t.Fatal("request was not deferred")
	}
	assert.Equal(t, domain.RuleID("review"), item.Rule)
	require.Len(t, ic.Engine().Pending(), 1)

	require.NoError(t, ic.Engine().Decide(item.ID, Decision{Type: ActionRedirect, URL: "http://b/", Headers: map[string]string{"X-A": "1"}}))
	assert.ErrorIs(t, ic.Engine().Decide(item.ID, Decision{}), ErrUnknownPending)

	o := <-done
	require.NoError(t, o.err)
	assert.Equal(t, domain.DispositionRedirect, o.res.Disposition)
	assert.Equal(t, "http://b/", o.res.URL)
	assert.True(t, o.res.Deferred)

	require.Eventually(t, func() bool { return len(ic.Engine().Pending()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestInterceptorDeferDefaultAction(t *testing.T) {
	pl, _ := newRulePipeline(t, RuleSet{Rules: []Rule{
		{ID: "review", Action: Action{Type: ActionDefer, Defer: &DeferAction{TimeoutMS: 20, DefaultAction: ActionProceed}}},
	}})
	res, err := pl.Dispatch(context.Background(), *traffic.NewRequest(http.MethodGet, "http://a/"))
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionProceed, res.Disposition)
	assert.False(t, res.TimedOut)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{id: a, action: {type: block}}]\n"), 0o600))

	e := New(RuleSet{})
	w, err := Watch(path, e, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, e.Rules().Rules, 1)

	reloaded := make(chan error, 16)
	w.OnReload(func(_ RuleSet, err error) { reloaded <- err })

	writeAtomic(t, path, "rules: [{id: a, action: {type: block}}, {id: b, action: {type: proceed}}]\n")
	require.Eventually(t, func() bool { return len(e.Rules().Rules) == 2 }, 3*time.Second, 20*time.Millisecond)

	// 无效内容保留原规则
	writeAtomic(t, path, "rules: [{action: {type: nope}}]\n")
	require.Eventually(t, func() bool {
		for {
			select {
			case err := <-reloaded:
				if err != nil {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, e.Rules().Rules, 2)
}

func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}
