package cdp

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

// FrameContext 转换请求时需要的页面信息
type FrameContext struct {
	Target        domain.TargetID
	MainFrameID   string
	FirstPartyURL string
}

// ToNeutralRequest 将 CDP 拦截事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply, fc FrameContext) traffic.Request {
	req := traffic.NewRequest(ev.Request.Method, ev.Request.URL)
	req.ID = string(ev.RequestID)
	req.Target = fc.Target
	isMain := fc.MainFrameID != "" && string(ev.FrameID) == fc.MainFrameID
	req.ResourceType = ResourceTypeOf(ev.ResourceType, isMain)

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}

	if req.ResourceType == domain.ResourceMainFrame {
		req.FirstPartyURL = req.URL
	} else {
		req.FirstPartyURL = fc.FirstPartyURL
	}
	if ref := refererOf(req.Headers); ref != "" {
		req.Initiator = originOf(ref)
	}
	return *req
}

// ResourceTypeOf 将 CDP 资源类型映射为资源类型分类
func ResourceTypeOf(rt network.ResourceType, mainFrame bool) domain.ResourceType {
	switch string(rt) {
	case "Document":
		if mainFrame {
			return domain.ResourceMainFrame
		}
		return domain.ResourceSubFrame
	case "Stylesheet":
		return domain.ResourceStylesheet
	case "Script":
		return domain.ResourceScript
	case "Image":
		return domain.ResourceImage
	case "Font":
		return domain.ResourceFont
	case "Media", "TextTrack":
		return domain.ResourceMedia
	case "XHR", "Fetch", "EventSource":
		return domain.ResourceXhr
	default:
		return domain.ResourceOther
	}
}

// ErrorReasonOf 将阻止/失败处置映射为 CDP 失败原因
func ErrorReasonOf(d domain.Disposition, kind domain.ErrorKind) network.ErrorReason {
	if d == domain.DispositionBlock {
		return network.ErrorReasonBlockedByClient
	}
	switch kind {
	case domain.ErrorAborted:
		return network.ErrorReasonAborted
	case domain.ErrorNotFound:
		return network.ErrorReasonNameNotResolved
	case domain.ErrorDenied:
		return network.ErrorReasonAccessDenied
	default:
		return network.ErrorReasonFailed
	}
}

// RedirectResponse 构造把请求重定向到 target 的响应
func RedirectResponse(ev *fetch.RequestPausedReply, target string) *fetch.FulfillRequestArgs {
	phrase := http.StatusText(http.StatusFound)
	return &fetch.FulfillRequestArgs{
		RequestID:      ev.RequestID,
		ResponseCode:   http.StatusFound,
		ResponsePhrase: &phrase,
		ResponseHeaders: []fetch.HeaderEntry{
			{Name: "Location", Value: target},
			{Name: "Cache-Control", Value: "no-store"},
		},
	}
}

// ToNeutralResponse 将响应阶段的 CDP 事件转换为中立 Response 模型
func ToNeutralResponse(ev *fetch.RequestPausedReply, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	res.URL = ev.Request.URL
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	for _, h := range ev.ResponseHeaders {
		res.Headers.Set(h.Name, h.Value)
	}
	res.ContentType = res.Headers.Get("Content-Type")
	res.Body = body
	return res
}

// ToHeaderEntries 将中立 Header 转换为按名称排序的 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func refererOf(h traffic.Header) string {
	if v, ok := h.Lookup("Referer"); ok {
		return v
	}
	return h.Get("referer")
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
