package domain

type SessionID string
type TargetID string
type RuleID string

// ResourceType 请求的资源类型
type ResourceType string

const (
	ResourceMainFrame     ResourceType = "main_frame"
	ResourceSubFrame      ResourceType = "sub_frame"
	ResourceStylesheet    ResourceType = "stylesheet"
	ResourceScript        ResourceType = "script"
	ResourceImage         ResourceType = "image"
	ResourceFont          ResourceType = "font_resource"
	ResourceMedia         ResourceType = "media"
	ResourceFavicon       ResourceType = "favicon"
	ResourceXhr           ResourceType = "xhr"
	ResourceServiceWorker ResourceType = "service_worker"
	ResourceOther         ResourceType = "other"
)

// IsFrame 是否为文档类请求（主框架或子框架）
func (t ResourceType) IsFrame() bool {
	return t == ResourceMainFrame || t == ResourceSubFrame
}

// ErrorKind 自定义协议任务的失败类型
type ErrorKind string

const (
	ErrorNone     ErrorKind = ""
	ErrorNotFound ErrorKind = "not_found"
	ErrorInvalid  ErrorKind = "invalid"
	ErrorAborted  ErrorKind = "aborted"
	ErrorDenied   ErrorKind = "denied"
	ErrorFailed   ErrorKind = "failed"
)

// Valid 检查失败类型是否属于已知集合
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorNotFound, ErrorInvalid, ErrorAborted, ErrorDenied, ErrorFailed:
		return true
	}
	return false
}

// Disposition 请求的最终处置
type Disposition string

const (
	DispositionProceed  Disposition = "proceed"
	DispositionBlock    Disposition = "block"
	DispositionRedirect Disposition = "redirect"
	DispositionFail     Disposition = "fail"
)

// SessionConfig 会话配置，零值字段使用默认值
type SessionConfig struct {
	DevToolsURL      string   `json:"devToolsURL"`
	ProcessTimeoutMS int      `json:"processTimeoutMS"`
	DeferTimeoutMS   int      `json:"deferTimeoutMS"`
	Strict           bool     `json:"strict"`
	BypassSchemes    []string `json:"bypassSchemes"`
	MaxRedirects     int      `json:"maxRedirects"`
	Concurrency      int      `json:"concurrency"`
	EventCapacity    int      `json:"eventCapacity"`
}

type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}

// InterceptEvent 一次分发的处置结果事件
type InterceptEvent struct {
	Session      SessionID    `json:"session"`
	Target       TargetID     `json:"target"`
	Timestamp    int64        `json:"timestamp"`
	RequestID    string       `json:"requestId"`
	URL          string       `json:"url"`
	Method       string       `json:"method"`
	ResourceType ResourceType `json:"resourceType"`
	Scope        string       `json:"scope"`
	Disposition  Disposition  `json:"disposition"`
	RedirectURL  string       `json:"redirectUrl,omitempty"`
	ErrorKind    ErrorKind    `json:"errorKind,omitempty"`
	Bypassed     bool         `json:"bypassed"`
	Changed      bool         `json:"changed"`
	UsageErrors  []string     `json:"usageErrors,omitempty"`
	DurationMS   int64        `json:"durationMs"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}
