package network

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

// decodeDataURL 解析 data:[<mediatype>][;base64],<data>
func decodeDataURL(raw string) (*traffic.Response, error) {
	rest, ok := cutPrefixFold(raw, "data:")
	if !ok {
		return nil, &Error{Kind: domain.ErrorInvalid, URL: raw}
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, &Error{Kind: domain.ErrorInvalid, URL: raw}
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta, isBase64 = m, true
	}
	ctype := strings.TrimSpace(meta)
	if ctype == "" || strings.HasPrefix(ctype, ";") {
		ctype = "text/plain" + ctype
		if ctype == "text/plain" {
			ctype = "text/plain;charset=US-ASCII"
		}
	}

	var body []byte
	if isBase64 {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, &Error{Kind: domain.ErrorInvalid, URL: raw, Err: err}
		}
		body, err = base64.StdEncoding.DecodeString(unescaped)
		if err != nil {
			body, err = base64.RawStdEncoding.DecodeString(unescaped)
		}
		if err != nil {
			return nil, &Error{Kind: domain.ErrorInvalid, URL: raw, Err: err}
		}
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			// 未转义的 % 按原文保留
			s = payload
		}
		body = []byte(s)
	}

	resp := traffic.NewResponse()
	resp.URL = raw
	resp.StatusCode = http.StatusOK
	resp.ContentType = ctype
	resp.Headers.Set("Content-Type", ctype)
	resp.Body = body
	return resp, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
