package navigation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netintercept/internal/fullscreen"
	"netintercept/internal/intercept"
	"netintercept/internal/network"
	"netintercept/internal/schemejob"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

const base = "qrc:///resources/"

var fixtures = fstest.MapFS{
	"resources/index.html":   {Data: []byte(`<html><body><form method="post"><input name="q"></form></body></html>`)},
	"resources/content.html": {Data: []byte(`<html><body><p>content</p></body></html>`)},
	"resources/resource.html": {Data: []byte(`<html><head>
<link rel="stylesheet" href="style.css">
<link rel="icon" href="icons/favicon.png">
<script src="script.js"></script>
</head><body>
<img src="image.png">
<video src="media.mp4"></video>
<iframe src="frame.html"></iframe>
</body></html>`)},
	"resources/frame.html":        {Data: []byte(`<html><body><img src="icons/favicon.png"></body></html>`)},
	"resources/style.css":         {Data: []byte(`@font-face { font-family: fa; src: url("fontawesome.woff"); } body { background: url(bg.png); }`)},
	"resources/script.js":         {Data: []byte(`console.log(1)`)},
	"resources/sw.js":             {Data: []byte(`self.addEventListener('fetch', function() {})`)},
	"resources/image.png":         {Data: []byte("\x89PNG\r\n\x1a\n")},
	"resources/bg.png":            {Data: []byte("\x89PNG\r\n\x1a\n")},
	"resources/icons/favicon.png": {Data: []byte("\x89PNG\r\n\x1a\n")},
	"resources/media.mp4":         {Data: []byte("\x00\x00\x00\x18ftypmp42")},
	"resources/fontawesome.woff":  {Data: []byte("wOFF")},
}

type requestInfo struct {
	URL           string
	Method        string
	Type          domain.ResourceType
	FirstPartyURL string
	Initiator     string
	Headers       map[string]string
}

// recorder 记录每次分发，并按需调用 decide
type recorder struct {
	mu     sync.Mutex
	infos  []requestInfo
	decide func(d *intercept.Descriptor)
}

func (r *recorder) Intercept(_ context.Context, d *intercept.Descriptor) {
	r.mu.Lock()
	r.infos = append(r.infos, requestInfo{
		URL:           d.URL(),
		Method:        d.Method(),
		Type:          d.ResourceType(),
		FirstPartyURL: d.FirstPartyURL(),
		Initiator:     d.Initiator(),
		Headers:       d.Headers(),
	})
	r.mu.Unlock()
	if r.decide != nil {
		r.decide(d)
	}
}

func (r *recorder) requests() []requestInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]requestInfo(nil), r.infos...)
}

func (r *recorder) urls() []string {
	var out []string
	for _, i := range r.requests() {
		out = append(out, i.URL)
	}
	return out
}

func newTestPage(t *testing.T, opts Options) (*Page, *intercept.Pipeline) {
	t.Helper()
	schemes := schemejob.NewRegistry(nil)
	require.NoError(t, schemes.Install("qrc", schemejob.NewFSHandler(fixtures, nil)))
	pl := intercept.NewPipeline(intercept.Options{
		Bypass:       intercept.NewBypassPolicy(intercept.DefaultBypassSchemes...),
		DeferTimeout: 500 * time.Millisecond,
	})
	opts.Pipeline = pl
	if opts.Network == nil {
		opts.Network = network.New(network.Options{Schemes: schemes})
	}
	return New(opts), pl
}

func TestInterceptorCanBlockPostNavigation(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	rec := &recorder{decide: func(d *intercept.Descriptor) {
		if d.ResourceType() == domain.ResourceMainFrame && d.Method() == http.MethodPost {
			_ = d.Block()
		}
	}}
	pl.Register(intercept.Global, rec)

	res := page.Load(context.Background(), base+"index.html")
	require.True(t, res.OK)

	res = page.Navigate(context.Background(), NavigationRequest{
		URL:    base + "index.html",
		Method: http.MethodPost,
		Body:   []byte("q=1"),
	})
	assert.False(t, res.OK)
	assert.Equal(t, domain.DispositionBlock, res.Disposition)
	assert.Equal(t, domain.ErrorDenied, res.ErrorKind)
	assert.Equal(t, base+"index.html", page.URL())

	reqs := rec.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[1].Method)
	assert.Len(t, page.Loads(), 2)
}

func TestInterceptorRedirectsPlaceholder(t *testing.T) {
	page, pl := newTestPage(t, Options{})

	// 不拦截时占位地址无法加载
	res := page.Load(context.Background(), base+"__placeholder__")
	assert.False(t, res.OK)
	assert.Equal(t, domain.ErrorNotFound, res.ErrorKind)
	assert.Empty(t, page.RequestedURL())

	rec := &recorder{decide: func(d *intercept.Descriptor) {
		if strings.HasSuffix(d.URL(), "__placeholder__") {
			_ = d.Redirect(base + "content.html")
		}
	}}
	pl.Register(intercept.Global, rec)

	res = page.Load(context.Background(), base+"__placeholder__")
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Hops)
	assert.Equal(t, base+"content.html", page.URL())
	assert.Equal(t, base+"__placeholder__", page.RequestedURL())
	assert.Equal(t, []string{base + "__placeholder__", base + "content.html"}, rec.urls())
}

func TestRequestedURLUnchangedOnFailure(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	pl.Register(intercept.Global, &recorder{decide: func(d *intercept.Descriptor) {
		if strings.HasSuffix(d.URL(), "__placeholder__") {
			_ = d.Redirect(base + "content.html")
		}
	}})

	require.True(t, page.Load(context.Background(), base+"__placeholder__").OK)
	require.False(t, page.Load(context.Background(), base+"missing.html").OK)

	assert.Equal(t, base+"content.html", page.URL())
	assert.Equal(t, base+"__placeholder__", page.RequestedURL())
}

func TestObservingInterceptorDoesNotModify(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	rec := &recorder{}
	pl.Register(intercept.Global, rec)

	var observed []intercept.Result
	page2 := New(Options{Pipeline: intercept.NewPipeline(intercept.Options{
		Registry: pl.Registry(),
		Observers: []intercept.Observer{intercept.ObserverFunc(func(_ traffic.Request, res intercept.Result) {
			observed = append(observed, res)
		})},
	}), Network: page.net})

	res := page2.Load(context.Background(), base+"content.html")
	require.True(t, res.OK)
	require.Len(t, observed, 1)
	assert.False(t, observed[0].Changed)
	assert.Equal(t, domain.DispositionProceed, observed[0].Disposition)
	assert.Len(t, rec.requests(), 1)
}

func TestRedirectToSameURLConverges(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	rec := &recorder{decide: func(d *intercept.Descriptor) {
		_ = d.Redirect(base + "content.html")
	}}
	pl.Register(intercept.Global, rec)

	res := page.Load(context.Background(), base+"__placeholder__")
	require.True(t, res.OK)
	assert.Equal(t, base+"content.html", page.URL())
	assert.Equal(t, []string{base + "__placeholder__", base + "content.html"}, rec.urls())
}

func TestRedirectLoopStops(t *testing.T) {
	page, pl := newTestPage(t, Options{MaxRedirects: 3})
	pl.Register(intercept.Global, intercept.InterceptorFunc(func(_ context.Context, d *intercept.Descriptor) {
		if strings.HasSuffix(d.URL(), "a.html") {
			_ = d.Redirect(base + "b.html")
		} else {
			_ = d.Redirect(base + "a.html")
		}
	}))

	res := page.Load(context.Background(), base+"a.html")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrTooManyRedirects)
	assert.Empty(t, page.URL())
}

func TestResourceTypesAndFirstParty(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	rec := &recorder{}
	pl.Register(intercept.Global, rec)

	res := page.Load(context.Background(), base+"resource.html")
	require.True(t, res.OK)

	want := []struct {
		url string
		typ domain.ResourceType
	}{
		{"resource.html", domain.ResourceMainFrame},
		{"style.css", domain.ResourceStylesheet},
		{"fontawesome.woff", domain.ResourceFont},
		{"bg.png", domain.ResourceImage},
		{"icons/favicon.png", domain.ResourceFavicon},
		{"script.js", domain.ResourceScript},
		{"image.png", domain.ResourceImage},
		{"media.mp4", domain.ResourceMedia},
		{"frame.html", domain.ResourceSubFrame},
		{"icons/favicon.png", domain.ResourceImage},
	}
	reqs := rec.requests()
	require.Len(t, reqs, len(want))
	for i, w := range want {
		assert.Equal(t, base+w.url, reqs[i].URL, "request %d", i)
		assert.Equal(t, w.typ, reqs[i].Type, "request %d", i)
		assert.Equal(t, base+"resource.html", reqs[i].FirstPartyURL, "request %d", i)
	}
	assert.Empty(t, reqs[0].Initiator)
	assert.Equal(t, "qrc://", reqs[1].Initiator)

	for _, r := range res.Resources {
		assert.True(t, r.OK, r.URL)
	}
}

func TestPageInterceptorShadowsGlobal(t *testing.T) {
	page, pl := newTestPage(t, Options{ID: "page-1"})
	other, _ := newTestPage(t, Options{ID: "page-2"})
	other.pipeline = pl

	pl.Register(intercept.Global, intercept.InterceptorFunc(func(_ context.Context, d *intercept.Descriptor) {
		_ = d.Block()
	}))
	rec := &recorder{}
	page.SetInterceptor(rec)

	assert.True(t, page.Load(context.Background(), base+"content.html").OK)
	assert.False(t, other.Load(context.Background(), base+"content.html").OK)
	assert.Len(t, rec.requests(), 1)

	page.SetInterceptor(nil)
	assert.False(t, page.Load(context.Background(), base+"content.html").OK)
}

func TestXHRRedirectToDataURL(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	rec := &recorder{decide: func(d *intercept.Descriptor) {
		if d.ResourceType() == domain.ResourceXhr {
			_ = d.Redirect("data:text/html,<p>hello")
		}
	}}
	pl.Register(intercept.Global, rec)

	page.SetContent(context.Background(), []byte(`<html><body></body></html>`), "http://[::1]/index.html")
	resp, err := page.Fetch(context.Background(), http.MethodGet, "test.xml", nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello", string(resp.Body))

	reqs := rec.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "http://[::1]/test.xml", reqs[0].URL)
	assert.Equal(t, domain.ResourceXhr, reqs[0].Type)
	assert.Equal(t, "http://[::1]/index.html", reqs[0].FirstPartyURL)
}

func TestServiceWorkerRequest(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	rec := &recorder{}
	pl.Register(intercept.Global, rec)

	require.True(t, page.Load(context.Background(), base+"content.html").OK)
	require.NoError(t, page.RegisterServiceWorker(context.Background(), "sw.js"))

	reqs := rec.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, base+"sw.js", reqs[1].URL)
	assert.Equal(t, domain.ResourceServiceWorker, reqs[1].Type)
	assert.Equal(t, base+"content.html", reqs[1].FirstPartyURL)
}

func TestHTTPHeadersAndServerRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body>"+r.Header.Get("Referer")+"</body></html>")
	}))
	defer srv.Close()

	page, pl := newTestPage(t, Options{})
	rec := &recorder{decide: func(d *intercept.Descriptor) {
		_ = d.SetHeader("Referer", "http://referer.example/")
	}}
	pl.Register(intercept.Global, rec)

	res := page.Load(context.Background(), srv.URL+"/old")
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Hops)
	assert.Equal(t, srv.URL+"/new", page.URL())
	assert.Equal(t, []string{srv.URL + "/old", srv.URL + "/new"}, rec.urls())

	body, err := page.Fetch(context.Background(), http.MethodGet, "/new", nil)
	require.NoError(t, err)
	assert.Contains(t, string(body.Body), "http://referer.example/")
}

func TestDeferredDecisionDuringLoad(t *testing.T) {
	page, pl := newTestPage(t, Options{})
	pl.Register(intercept.Global, intercept.InterceptorFunc(func(_ context.Context, d *intercept.Descriptor) {
		f, err := d.Defer()
		if err != nil {
			return
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = f.SetHeader("X-Late", "1")
			_ = f.Proceed()
		}()
	}))

	res := page.Load(context.Background(), base+"content.html")
	assert.True(t, res.OK)
}

func TestPageFullScreen(t *testing.T) {
	page, _ := newTestPage(t, Options{})
	require.True(t, page.Load(context.Background(), base+"content.html").OK)

	// 未安装处理函数时拒绝
	req := page.RequestFullScreen(true)
	assert.True(t, req.Resolved())
	assert.False(t, page.FullScreen().IsFullScreen())

	var origins []string
	page.FullScreen().SetHandler(func(r *fullscreen.Request) {
		origins = append(origins, r.Origin())
		_ = r.Accept()
	})
	page.RequestFullScreen(true)
	assert.True(t, page.FullScreen().IsFullScreen())
	page.RequestFullScreen(false)
	assert.False(t, page.FullScreen().IsFullScreen())
	assert.Equal(t, []string{"qrc://", "qrc://"}, origins)
}
