package schemejob

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

func newJobRequest(method, u string) traffic.Request {
	return *traffic.NewRequest(method, u)
}

func TestJobResolvesExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(j *Job) error
		want    State
	}{
		{"reply", func(j *Job) error { return j.Reply("text/plain", strings.NewReader("hi")) }, StateReplied},
		{"redirect", func(j *Job) error { return j.Redirect("qrc:///resources/content.html") }, StateRedirected},
		{"fail", func(j *Job) error { return j.Fail(domain.ErrorNotFound) }, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newJob(newJobRequest(http.MethodGet, "qrc:///a"), logger.NewNop())
			assert.Equal(t, StatePending, j.State())
			require.NoError(t, tt.resolve(j))
			assert.Equal(t, tt.want, j.State())

			// 任何第二次处置都是误用
			assert.ErrorIs(t, j.Reply("text/plain", nil), ErrAlreadyResolved)
			assert.ErrorIs(t, j.Redirect("qrc:///b"), ErrAlreadyResolved)
			assert.ErrorIs(t, j.Fail(domain.ErrorFailed), ErrAlreadyResolved)
			assert.Equal(t, tt.want, j.State())

			select {
			case <-j.Done():
			default:
				t.Fatal("job should be done")
			}
		})
	}
}

func TestJobRejectsInvalidArguments(t *testing.T) {
	j := newJob(newJobRequest(http.MethodGet, "qrc:///a"), logger.NewNop())
	assert.ErrorIs(t, j.Fail(domain.ErrorKind("bogus")), ErrInvalidErrorKind)
	assert.ErrorIs(t, j.Fail(domain.ErrorNone), ErrInvalidErrorKind)
	assert.ErrorIs(t, j.Redirect(""), ErrInvalidRedirect)
	assert.Equal(t, StatePending, j.State())
}

func TestJobWaitAbortsOnCancel(t *testing.T) {
	j := newJob(newJobRequest(http.MethodGet, "qrc:///slow"), logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	out := j.Wait(ctx)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, domain.ErrorAborted, out.ErrorKind)

	// 取消后的处置为无操作
	assert.ErrorIs(t, j.Reply("text/html", strings.NewReader("late")), ErrAborted)
	assert.Equal(t, domain.ErrorAborted, j.Outcome().ErrorKind)
}

func TestRegistryInstallAndServe(t *testing.T) {
	r := NewRegistry(nil)
	assert.ErrorIs(t, r.Install("https", HandlerFunc(func(*Job) {})), ErrReservedScheme)
	require.NoError(t, r.Install("app:", HandlerFunc(func(j *Job) {
		go func() { _ = j.Reply("text/plain", strings.NewReader(j.Headers().Get("X-Token"))) }()
	})))
	assert.True(t, r.Handles("APP"))
	assert.True(t, r.Handles("app:"))
	assert.True(t, r.Handles("App:"))
	assert.Equal(t, []string{"app"}, r.Schemes())

	req := newJobRequest(http.MethodGet, "app://host/x")
	req.Headers.Set("X-Token", "t1")
	out, err := r.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateReplied, out.State)
	body, _ := io.ReadAll(out.Body)
	assert.Equal(t, "t1", string(body))

	_, err = r.Serve(context.Background(), newJobRequest(http.MethodGet, "other://x"))
	assert.ErrorIs(t, err, ErrNoHandler)

	assert.True(t, r.Remove("APP:"))
	assert.False(t, r.Handles("app"))
	assert.False(t, r.Handles("app:"))
}

func TestFSHandler(t *testing.T) {
	fsys := fstest.MapFS{
		"resources/index.html":       {Data: []byte("<html><body>hi</body></html>")},
		"resources/style.css":        {Data: []byte("body{}")},
		"resources/fontawesome.woff": {Data: []byte("wOFF\x00\x01\x00\x00")},
	}
	r := NewRegistry(nil)
	require.NoError(t, r.Install("qrc", NewFSHandler(fsys, nil)))

	tests := []struct {
		method, url string
		state       State
		kind        domain.ErrorKind
		ctype       string
	}{
		{http.MethodGet, "qrc:///resources/index.html", StateReplied, "", "text/html; charset=utf-8"},
		{http.MethodGet, "qrc:///resources/style.css", StateReplied, "", "text/css; charset=utf-8"},
		{http.MethodGet, "qrc:///resources/fontawesome.woff", StateReplied, "", ""},
		{http.MethodGet, "qrc:/non-existent.html", StateFailed, domain.ErrorNotFound, ""},
		{http.MethodGet, "qrc:///", StateFailed, domain.ErrorInvalid, ""},
		{http.MethodPost, "qrc:///resources/index.html", StateFailed, domain.ErrorDenied, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			out, err := r.Serve(context.Background(), newJobRequest(tt.method, tt.url))
			require.NoError(t, err)
			assert.Equal(t, tt.state, out.State)
			assert.Equal(t, tt.kind, out.ErrorKind)
			if tt.ctype != "" {
				assert.Equal(t, tt.ctype, out.ContentType)
			}
		})
	}
}
