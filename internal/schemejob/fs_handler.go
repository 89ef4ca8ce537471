package schemejob

import (
	"bytes"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
)

// FSHandler 从 fs.FS 提供只读资源，URL 路径映射为文件路径
type FSHandler struct {
	fsys fs.FS
	log  logger.Logger
}

// NewFSHandler 创建文件系统处理方
func NewFSHandler(fsys fs.FS, l logger.Logger) *FSHandler {
	if l == nil {
		l = logger.NewNop()
	}
	return &FSHandler{fsys: fsys, log: l}
}

var _ Handler = (*FSHandler)(nil)

// RequestStarted 按路径读取文件并应答
func (h *FSHandler) RequestStarted(job *Job) {
	if job.Method() != http.MethodGet && job.Method() != http.MethodHead {
		h.fail(job, domain.ErrorDenied)
		return
	}
	u, err := url.Parse(job.URL())
	if err != nil {
		h.fail(job, domain.ErrorInvalid)
		return
	}
	name := strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	if name == "" || !fs.ValidPath(name) {
		h.fail(job, domain.ErrorInvalid)
		return
	}
	data, err := fs.ReadFile(h.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.fail(job, domain.ErrorNotFound)
		} else {
			h.log.Err(err, "读取资源失败", "url", job.URL())
			h.fail(job, domain.ErrorFailed)
		}
		return
	}
	if err := job.Reply(contentType(name, data), bytes.NewReader(data)); err != nil {
		h.log.Err(err, "应答资源失败", "url", job.URL())
	}
}

func (h *FSHandler) fail(job *Job, kind domain.ErrorKind) {
	if err := job.Fail(kind); err != nil {
		h.log.Err(err, "资源请求失败处理异常", "url", job.URL())
	}
}

// contentType 先按扩展名判断，未知时按内容探测
func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}
