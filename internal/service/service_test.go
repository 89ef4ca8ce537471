package service

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netintercept/internal/intercept"
	"netintercept/internal/metrics"
	"netintercept/internal/rules"
	"netintercept/internal/schemejob"
	"netintercept/internal/storage"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

var docs = fstest.MapFS{
	"index.html": {Data: []byte(`<html><body><img src="logo.png"></body></html>`)},
	"logo.png":   {Data: []byte("\x89PNG\r\n\x1a\n")},
}

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Options{DSN: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	svc := New(nil, WithStore(st), WithMetrics(metrics.New()))
	t.Cleanup(func() {
		_ = svc.Close()
		_ = st.Close()
	})
	return svc, st
}

func TestServiceSessionLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	id, err := svc.StartSession(domain.SessionConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events, err := svc.SubscribeEvents(id)
	require.NoError(t, err)

	require.NoError(t, svc.StopSession(id))
	_, open := <-events
	assert.False(t, open)

	assert.ErrorIs(t, svc.StopSession(id), ErrSessionNotFound)
	_, err = svc.GetRuleStats(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.ListTargets(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestServiceLoadsPageAndPersistsEvents(t *testing.T) {
	svc, _ := newTestService(t)
	id, err := svc.StartSession(domain.SessionConfig{})
	require.NoError(t, err)
	require.NoError(t, svc.InstallScheme(id, "docs", schemejob.NewFSHandler(docs, nil)))
	require.NoError(t, svc.LoadRules(id, rules.RuleSet{Rules: []rules.Rule{{
		ID:     "images",
		Match:  rules.Match{AllOf: []rules.Condition{{Type: rules.ConditionResourceType, Values: []string{string(domain.ResourceImage)}}}},
		Action: rules.Action{Type: rules.ActionRedirect, URL: "data:image/png;base64,iVBORw0KGgo="},
	}}}))

	page, err := svc.NewPage(id, "p-1")
	require.NoError(t, err)
	res := page.Load(context.Background(), "docs://site/index.html")
	require.True(t, res.OK)
	require.Len(t, res.Resources, 1)
	assert.True(t, res.Resources[0].OK)
	assert.Equal(t, 1, res.Resources[0].Hops)

	stats, err := svc.GetRuleStats(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Matched)

	evs, err := svc.QueryEvents(context.Background(), storage.Filter{Session: id})
	require.NoError(t, err)
	// 文档、图片、重定向后的 data: 请求
	require.Len(t, evs, 3)
	assert.True(t, evs[0].Bypassed)
	assert.Equal(t, domain.DispositionRedirect, evs[1].Disposition)
	assert.Equal(t, domain.DispositionProceed, evs[2].Disposition)
}

func TestServiceDecidePending(t *testing.T) {
	svc, _ := newTestService(t)
	id, err := svc.StartSession(domain.SessionConfig{DeferTimeoutMS: 2000})
	require.NoError(t, err)
	require.NoError(t, svc.LoadRules(id, rules.RuleSet{Rules: []rules.Rule{{
		ID: "review", Action: rules.Action{Type: rules.ActionDefer},
	}}}))
	page, err := svc.NewPage(id, "p-1")
	require.NoError(t, err)

	done := make(chan *traffic.Response, 1)
	go func() {
		resp, _ := page.Fetch(context.Background(), http.MethodGet, "data:,hello", nil)
		done <- resp
	}()
	// data: 免拦截，直接完成
	select {
	case resp := <-done:
		require.NotNil(t, resp)
	case <-time.After(time.Second):
		t.Fatal("bypassed request blocked")
	}

	type out struct {
		ok bool
	}
	loaded := make(chan out, 1)
	require.NoError(t, svc.InstallScheme(id, "docs", schemejob.NewFSHandler(docs, nil)))
	go func() {
		r := page.Load(context.Background(), "docs://site/logo.png")
		loaded <- out{r.OK}
	}()

	var pending []rules.PendingItem
	require.Eventually(t, func() bool {
		pending, err = svc.PendingRequests(id)
		return err == nil && len(pending) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "docs://site/logo.png", pending[0].URL)
	require.NoError(t, svc.Decide(id, pending[0].ID, rules.Decision{Type: rules.ActionBlock}))

	select {
	case o := <-loaded:
		assert.False(t, o.ok)
	case <-time.After(time.Second):
		t.Fatal("decision not applied")
	}
}

func TestServiceSetInterceptor(t *testing.T) {
	svc, _ := newTestService(t)
	id, err := svc.StartSession(domain.SessionConfig{})
	require.NoError(t, err)
	require.NoError(t, svc.SetInterceptor(id, "", intercept.InterceptorFunc(func(_ context.Context, d *intercept.Descriptor) {
		_ = d.Block()
	})))
	page, err := svc.NewPage(id, "")
	require.NoError(t, err)
	_, err = page.Fetch(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil)
	require.Error(t, err)

	require.NoError(t, svc.SetInterceptor(id, "", nil))
	assert.ErrorIs(t, svc.SetInterceptor("missing", "", nil), ErrSessionNotFound)
}

func TestServiceWithoutStore(t *testing.T) {
	svc := New(nil)
	_, err := svc.QueryEvents(context.Background(), storage.Filter{})
	assert.ErrorIs(t, err, ErrNoStore)
}
