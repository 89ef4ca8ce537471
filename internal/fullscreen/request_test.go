package fullscreen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAcceptRejectComplementary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		toggleOn := rapid.Bool().Draw(rt, "toggleOn")
		accept := rapid.Bool().Draw(rt, "accept")

		var got []bool
		r := NewRequest("qrc:///video.html", toggleOn, func(on bool) { got = append(got, on) })
		var err error
		if accept {
			err = r.Accept()
		} else {
			err = r.Reject()
		}
		if err != nil {
			rt.Fatal(err)
		}
		if len(got) != 1 {
			rt.Fatalf("resolver called %d times", len(got))
		}
		want := toggleOn
		if !accept {
			want = !toggleOn
		}
		if got[0] != want {
			rt.Fatalf("toggleOn=%v accept=%v: state=%v, want %v", toggleOn, accept, got[0], want)
		}
	})
}

func TestSecondResolutionFails(t *testing.T) {
	calls := 0
	r := NewRequest("qrc:///video.html", true, func(bool) { calls++ })
	require.NoError(t, r.Accept())
	assert.ErrorIs(t, r.Reject(), ErrAlreadyResolved)
	assert.ErrorIs(t, r.Accept(), ErrAlreadyResolved)
	assert.Equal(t, 1, calls)
	assert.True(t, r.Resolved())
	assert.Equal(t, "qrc:///video.html", r.Origin())
	assert.True(t, r.ToggleOn())
}

func TestControllerAppliesHostDecision(t *testing.T) {
	c := NewController(nil)

	// 未安装处理函数时请求被拒绝
	req := c.Request("https://video.example/", true)
	assert.True(t, req.Resolved())
	assert.False(t, c.IsFullScreen())

	c.SetHandler(func(r *Request) { _ = r.Accept() })
	c.Request("https://video.example/", true)
	assert.True(t, c.IsFullScreen())

	// 拒绝退出请求保持全屏
	c.SetHandler(func(r *Request) { _ = r.Reject() })
	c.Request("https://video.example/", false)
	assert.True(t, c.IsFullScreen())

	c.SetHandler(func(r *Request) { _ = r.Accept() })
	c.Request("https://video.example/", false)
	assert.False(t, c.IsFullScreen())
}

func TestControllerWithoutHandlerKeepsWindowed(t *testing.T) {
	c := NewController(nil)

	req := c.Request("https://video.example/", false)
	assert.True(t, req.Resolved())
	assert.False(t, c.IsFullScreen())

	req = c.Request("https://video.example/", true)
	assert.True(t, req.Resolved())
	assert.False(t, c.IsFullScreen())

	// 移除处理函数后仍可退出全屏
	c.SetHandler(func(r *Request) { _ = r.Accept() })
	c.Request("https://video.example/", true)
	require.True(t, c.IsFullScreen())
	c.SetHandler(nil)
	c.Request("https://video.example/", false)
	assert.False(t, c.IsFullScreen())
}

func TestControllerDeferredHandler(t *testing.T) {
	c := NewController(nil)
	var pending *Request
	c.SetHandler(func(r *Request) { pending = r })

	c.Request("https://video.example/", true)
	assert.False(t, c.IsFullScreen())
	require.NotNil(t, pending)
	require.NoError(t, pending.Accept())
	assert.True(t, c.IsFullScreen())
}
